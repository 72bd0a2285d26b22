package updates

import "github.com/HMasataka/quill/pkg/domain"

// presenceSet keeps users keyed by id in first-seen order.
type presenceSet struct {
	index map[string]int
	users []domain.User
}

func newPresenceSet() *presenceSet {
	return &presenceSet{index: make(map[string]int)}
}

// replace swaps in a snapshot, keeping the first occurrence of each id.
func (s *presenceSet) replace(users []domain.User) {
	s.index = make(map[string]int, len(users))
	s.users = s.users[:0]
	for _, u := range users {
		s.add(u)
	}
}

func (s *presenceSet) add(u domain.User) bool {
	if u.ID == "" {
		return false
	}
	if _, ok := s.index[u.ID]; ok {
		return false
	}
	s.index[u.ID] = len(s.users)
	s.users = append(s.users, u)
	return true
}

func (s *presenceSet) remove(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.users = append(s.users[:i], s.users[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.users); j++ {
		s.index[s.users[j].ID] = j
	}
	return true
}

func (s *presenceSet) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *presenceSet) list() []domain.User {
	return append([]domain.User(nil), s.users...)
}

func (s *presenceSet) len() int {
	return len(s.users)
}

func (s *presenceSet) clear() {
	s.index = make(map[string]int)
	s.users = nil
}
