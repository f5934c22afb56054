package common

import (
	"sync"
	"time"
)

// NonceSource hands out strictly increasing millisecond nonces, even when
// several requests are signed within the same millisecond.
type NonceSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewNonceSource creates a nonce source on the wall clock.
func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

// Next returns the next nonce.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.now().UnixMilli()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}
