package errors

import stderrors "errors"

// As, Is and Join re-export the standard library helpers so callers can
// import a single errors package.
func As(err error, target any) bool { return stderrors.As(err, target) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
