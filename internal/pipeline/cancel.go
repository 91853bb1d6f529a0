package pipeline

import (
	"context"
	"sync"
)

// CancelFlag is a mutex guarded cancellation request shared between a front-end
// and an asynchronous run. Optionally it also cancels a context so that a
// running subprocess is killed.
type CancelFlag struct {
	mu        sync.Mutex
	cancelled bool
	cancelCtx context.CancelFunc
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{}
}

// Bind derives a context that is cancelled together with the flag. The
// returned release func must be called once the bound work has finished; it
// cancels the derived context and detaches it from the flag.
func (f *CancelFlag) Bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		cancel()
	}
	f.cancelCtx = cancel
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			f.mu.Lock()
			f.cancelCtx = nil
			f.mu.Unlock()
		})
	}
}

// Cancel sets the flag.
func (f *CancelFlag) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	if f.cancelCtx != nil {
		f.cancelCtx()
	}
}

// Cancelled reports whether Cancel was called since the last Reset.
func (f *CancelFlag) Cancelled() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Reset clears the flag for reuse.
func (f *CancelFlag) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = false
	if f.cancelCtx != nil {
		f.cancelCtx()
		f.cancelCtx = nil
	}
}
