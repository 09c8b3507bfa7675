package agent

import (
	"context"

	"github.com/devcontrol/devcontrol/internal/lock"
)

// Gate admits at most one run per project at a time.
type Gate struct {
	locks  *lock.Keyed
	reject bool
}

func NewGate(overlap string) *Gate {
	return &Gate{locks: lock.NewKeyed(), reject: overlap == OverlapReject}
}

// Acquire blocks until project's slot is free (queue) or fails fast with
// ErrBusy (reject). Waiting is bounded by ctx.
func (g *Gate) Acquire(ctx context.Context, project string) (func(), error) {
	if g.reject {
		unlock, ok := g.locks.TryLock(project)
		if !ok {
			return nil, ErrBusy
		}
		return unlock, nil
	}
	return g.locks.Lock(ctx, project)
}
