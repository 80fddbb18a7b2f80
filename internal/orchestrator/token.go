package orchestrator

import (
	"context"
	"sync/atomic"
)

// CancellationToken is the right to abort one transport attempt. Abort is
// safe to call any number of times.
type CancellationToken struct {
	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func newToken(parent context.Context) *CancellationToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the token is aborted.
func (t *CancellationToken) Context() context.Context {
	return t.ctx
}

// Abort reports whether this call was the one that aborted the token.
func (t *CancellationToken) Abort() bool {
	if !t.aborted.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

func (t *CancellationToken) Valid() bool {
	return !t.aborted.Load()
}
