package encryption

import (
	"errors"
	"fmt"
)

// ErrNonceExhausted is returned once a counter has handed out every value
// below its limit. The counter never wraps onto a value it already issued;
// the session must be renegotiated with a fresh key instead.
var ErrNonceExhausted = errors.New("encryption: nonce counter exhausted")

// MaxNonceLimit is the number of distinct 32-bit counter values.
const MaxNonceLimit uint64 = 1 << 32

// HeaderNonceLimit caps suites that use the RTP header as the nonce. A
// framer's sequence/timestamp pair comes back around after 2^26 frames,
// since the timestamp step of 960 is 2^6 * 15.
const HeaderNonceLimit uint64 = 1 << 26

// NonceCounter issues strictly increasing 32-bit nonce values in
// [start, limit). Reads never mutate; only Advance moves the counter.
//
// NonceCounter is not safe for concurrent use. The Engine guards it.
type NonceCounter struct {
	next  uint64
	limit uint64
}

// NewNonceCounter returns a counter whose first value is next. A limit of 0
// means MaxNonceLimit.
func NewNonceCounter(next, limit uint64) *NonceCounter {
	if limit == 0 || limit > MaxNonceLimit {
		limit = MaxNonceLimit
	}
	return &NonceCounter{next: next, limit: limit}
}

// Peek returns the value the next Advance will issue, and whether one is left.
func (c *NonceCounter) Peek() (uint32, bool) {
	if c.next >= c.limit {
		return 0, false
	}
	return uint32(c.next), true
}

// Advance issues the current value and moves past it.
func (c *NonceCounter) Advance() (uint32, error) {
	if c.next >= c.limit {
		return 0, fmt.Errorf("%w: limit %d reached", ErrNonceExhausted, c.limit)
	}
	v := c.next
	c.next++
	return uint32(v), nil
}

// Next returns the position the counter would resume from, suitable for
// persisting. It equals limit once exhausted.
func (c *NonceCounter) Next() uint64 {
	return c.next
}

// Remaining returns how many values can still be issued.
func (c *NonceCounter) Remaining() uint64 {
	if c.next >= c.limit {
		return 0
	}
	return c.limit - c.next
}
