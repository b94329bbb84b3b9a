// Package iochannel implements the non-blocking, half-duplex framed I/O
// channel that multiplexes a TX ring and an RX ring onto a byte-oriented
// remote endpoint (USB-serial bridged over I2C, or a Bluetooth UART).
//
// The channel never blocks: any operation that cannot complete atomically
// returns a typed error (errs.BufferFull) instead of waiting. A 1kHz-order
// tick drives a small state machine that interleaves K writes with one
// "query receive level" round-trip, then drains whatever the remote has
// buffered for us.
package iochannel

import (
	"time"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/ring"
)

// MaxPayload bounds a single write/read transaction issued to the remote
// endpoint, independent of ring capacity.
const MaxPayload = 128

// Endpoint is the byte-oriented remote the channel multiplexes onto: a USB
// link bridged over I2C, or a Bluetooth UART. All three operations are
// expected to be non-blocking best-effort primitives; the channel itself
// retries unaccepted bytes on its next write tick (it does not back off).
type Endpoint interface {
	// Write sends up to len(p) bytes, returning how many were actually
	// accepted. An error indicates the endpoint is disconnected.
	Write(p []byte) (n int, err error)
	// QueryLevel returns the number of bytes the remote has buffered for
	// us to read.
	QueryLevel() (level int, err error)
	// Read reads up to len(p) bytes already known (via QueryLevel) to be
	// available.
	Read(p []byte) (n int, err error)
}

// state enumerates the tick state machine's phases: TX_0..TX_(K-1), then
// INQUIRE, then READ.
type state int

const (
	stateInquire state = -1
	stateRead    state = -2
)

// RXFilter may intercept an incoming byte before it reaches the RX ring and
// decide whether to keep or drop it (e.g. a debug-console byte siphon).
type RXFilter func(b byte) (keep bool)

// Channel is the framed I/O channel: TX/RX rings plus the tick state
// machine that interleaves writes with receive-level inquiries.
type Channel struct {
	tx, rx   *ring.Buffer
	endpoint Endpoint
	filter   RXFilter

	k       int // configurable 1..128, writes issued before the next INQUIRE
	st      state
	writeStep int

	connected bool

	// scratch avoids an allocation per tick.
	scratch [MaxPayload]byte
}

// DefaultTXCapacity and DefaultRXCapacity are reasonable power-of-two ring
// sizes for a framed link carrying small command/response or sample-stream
// frames.
const (
	DefaultTXCapacity = 1024
	DefaultRXCapacity = 256
)

// New creates a channel over the given endpoint, with K writes issued
// between inquiries (clamped to 1..128).
func New(endpoint Endpoint, k int, txCap, rxCap int) *Channel {
	if k < 1 {
		k = 1
	}
	if k > 128 {
		k = 128
	}
	return &Channel{
		tx:        ring.New(txCap),
		rx:        ring.New(rxCap),
		endpoint:  endpoint,
		k:         k,
		st:        0,
		connected: true,
	}
}

// SetK updates the write-before-inquire count at runtime (1..128).
func (c *Channel) SetK(k int) {
	if k < 1 {
		k = 1
	}
	if k > 128 {
		k = 128
	}
	c.k = k
}

// SetRXFilter installs a callback that may intercept incoming bytes before
// they reach the RX ring, returning false to drop the byte.
func (c *Channel) SetRXFilter(f RXFilter) {
	c.filter = f
}

// PutBuffer atomically enqueues n bytes for transmission: it succeeds fully
// or fails fully, so frame boundaries sent by callers are preserved.
func (c *Channel) PutBuffer(data []byte) error {
	if c.tx.Free() < len(data) {
		return errs.New("put_buffer", errs.BufferFull, "tx ring has insufficient free space")
	}
	c.tx.PushN(data)
	return nil
}

// PutChar enqueues a single byte for transmission.
func (c *Channel) PutChar(b byte) error {
	return c.PutBuffer([]byte{b})
}

// GetChar returns the next received byte, or ok=false if the RX ring is
// empty (the channel's "Empty" sentinel).
func (c *Channel) GetChar() (b byte, ok bool) {
	return c.rx.Pop()
}

// RXLevel reports how many bytes are currently queued for the consumer.
func (c *Channel) RXLevel() int { return c.rx.Level() }

// Connected reports whether the last transaction with the remote succeeded.
func (c *Channel) Connected() bool { return c.connected }

// Tick drives one step of the state machine:
//
//   - If state < K and the TX ring is non-empty, emit up to MaxPayload bytes
//     via a write transaction and advance to the next TX slot on success.
//   - If nothing to send, or state has exhausted its K writes, move to
//     INQUIRE.
//   - In INQUIRE, if the RX ring has free space, query the remote's buffered
//     level; otherwise return to TX_0.
//   - In READ, if the remote has bytes and the RX ring has free space, read
//     min(remote_level, free, MaxPayload); loop in READ while remote_level
//     remains positive, else return to TX_0.
func (c *Channel) Tick() {
	switch {
	case c.st >= 0 && int(c.st) < c.k:
		c.tickWrite()
	case c.st == stateInquire:
		c.tickInquire()
	case c.st == stateRead:
		c.tickRead()
	default:
		c.st = stateInquire
	}
}

func (c *Channel) tickWrite() {
	if c.tx.IsEmpty() {
		c.st = stateInquire
		return
	}
	n := c.tx.PopN(c.scratch[:])
	if n == 0 {
		c.st = stateInquire
		return
	}
	written, err := c.endpoint.Write(c.scratch[:n])
	if err != nil {
		c.connected = false
		return
	}
	c.connected = true
	// Anything the endpoint did not accept goes back to the front of the
	// TX ring so the next write transaction retries it. Unget prepends, so
	// the bytes go back last-first to keep their original order.
	for i := n - 1; i >= written; i-- {
		c.tx.Unget(c.scratch[i])
	}
	c.st = state(int(c.st) + 1)
}

func (c *Channel) tickInquire() {
	if c.rx.Free() == 0 {
		c.st = 0
		return
	}
	level, err := c.endpoint.QueryLevel()
	if err != nil {
		c.connected = false
		c.st = 0
		return
	}
	c.connected = true
	if level > 0 {
		c.st = stateRead
	} else {
		c.st = 0
	}
}

func (c *Channel) tickRead() {
	free := c.rx.Free()
	if free == 0 {
		c.st = 0
		return
	}
	level, err := c.endpoint.QueryLevel()
	if err != nil {
		c.connected = false
		c.st = 0
		return
	}
	if level == 0 {
		c.st = 0
		return
	}
	n := level
	if n > free {
		n = free
	}
	if n > MaxPayload {
		n = MaxPayload
	}
	got, err := c.endpoint.Read(c.scratch[:n])
	if err != nil {
		c.connected = false
		c.st = 0
		return
	}
	for i := 0; i < got; i++ {
		b := c.scratch[i]
		if c.filter != nil && !c.filter(b) {
			continue
		}
		c.rx.Push(b)
	}
	if level > n {
		c.st = stateRead
	} else {
		c.st = 0
	}
}

// Run drives Tick on the given period until stop is closed, for callers
// that want a free-running goroutine rather than hooking into the
// scheduler's callback table.
func Run(c *Channel, period time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Tick()
		}
	}
}
