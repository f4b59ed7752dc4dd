package deploy

import (
	"context"
	"errors"
	"slices"
)

type (
	// Stack runs destructors in the reverse order they were pushed.
	Stack struct {
		Destructors []Destructor
	}
	Destructor func(ctx context.Context) error
)

// Push adds a destructor to the 'Destructors' slice, to be destroyed in the
// reverse order they were added.
func (s *Stack) Push(d Destructor) {
	s.Destructors = append(s.Destructors, d)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. The stack is empty
// afterwards, so a second call is a no-op.
func (s *Stack) Destroy(ctx context.Context) error {
	var errs error
	for _, destructor := range slices.Backward(s.Destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	s.Destructors = nil
	return errs
}
