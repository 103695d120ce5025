package engine

import (
	"fmt"

	"go.uber.org/atomic"
)

// Guard is a call-depth lock. Entering while another guarded call is still
// running fails immediately instead of waiting.
type Guard struct {
	busy atomic.Bool
}

// Enter marks the guard busy. The returned release must be called exactly once.
func (g *Guard) Enter(op string) (release func(), err error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s while another operation is executing", ErrReentrant, op)
	}
	return func() { g.busy.Store(false) }, nil
}

// Busy reports whether a guarded call is in progress.
func (g *Guard) Busy() bool {
	return g.busy.Load()
}
