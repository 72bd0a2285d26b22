package realtime

import (
	"testing"

	"github.com/HMasataka/quill/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	a := NewListener(domain.EventNotification, func(domain.Event) {})
	b := NewListener(domain.EventNotification, func(domain.Event) {})

	c := NewListener(domain.EventConnect, func(domain.Event) {})

	assert.True(t, r.Add(a))
	assert.False(t, r.Add(a))
	assert.True(t, r.Add(b))
	assert.True(t, r.Add(c))
	assert.False(t, r.Add(nil))
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []domain.EventName{domain.EventConnect, domain.EventNotification}, r.Events())
	assert.True(t, r.Remove(c))

	assert.True(t, r.Remove(a))
	assert.False(t, r.Remove(a))
	assert.Equal(t, []*Listener{b}, r.Listeners(domain.EventNotification))

	assert.True(t, r.Remove(b))
	assert.Empty(t, r.Events())
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotIsStableDuringRemove(t *testing.T) {
	r := NewRegistry()
	a := NewListener(domain.EventTyping, nil)
	b := NewListener(domain.EventTyping, nil)
	r.Add(a)
	r.Add(b)

	snapshot := r.Listeners(domain.EventTyping)
	r.Remove(a)

	require.Len(t, snapshot, 2)
	assert.Same(t, a, snapshot[0])
	assert.Same(t, b, snapshot[1])
}

func TestListenerCallWithoutFunc(t *testing.T) {
	l := NewListener(domain.EventTyping, nil)
	assert.NotPanics(t, func() { l.Call(domain.Event{Name: domain.EventTyping}) })
}

func TestTokenStore(t *testing.T) {
	s := NewTokenStore("")
	assert.False(t, s.IsAuthenticated())

	s.SetToken("abc")
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, "abc", s.Token())

	s.SetAnonymous()
	assert.True(t, s.IsAuthenticated())
	assert.Empty(t, s.Token())

	s.Clear()
	assert.False(t, s.IsAuthenticated())
}
