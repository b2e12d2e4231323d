package bus

import (
	"sync"
	"sync/atomic"
)

// Shared hands out references to one Handle and closes it exactly once, after
// the last reference is released. The runtime and every client created from
// it hold one reference each.
type Shared struct {
	h    Handle
	refs atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewShared wraps h. The caller owns the first reference.
func NewShared(h Handle) *Shared {
	s := &Shared{h: h}
	s.refs.Store(1)
	return s
}

// Handle returns the wrapped handle. It must only be used while holding a
// reference.
func (s *Shared) Handle() Handle {
	return s.h
}

// Acquire takes an additional reference. It fails with ErrClosed once the
// count has dropped to zero.
func (s *Shared) Acquire() error {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return ErrClosed
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops one reference and closes the handle when it was the last.
// The returned error is the one from closing, if this call closed it.
func (s *Shared) Release() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		// Over-release is a caller bug, keep the count pinned at zero.
		s.refs.Store(0)
		return nil
	}
	s.closeOnce.Do(func() {
		s.closeErr = s.h.Close()
	})
	return s.closeErr
}

// Refs reports the current number of references.
func (s *Shared) Refs() int64 {
	return s.refs.Load()
}
