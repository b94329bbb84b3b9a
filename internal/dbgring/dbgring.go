// Package dbgring implements the firmware's debug/trace console: a second,
// independent instance of the ring-buffer pattern from internal/ring, used
// purely to multiplex trace output alongside the main data stream rather
// than contend with it. A producer (logging.Logger, or any ISR wanting to
// leave a breadcrumb) never blocks: once the ring is full, the oldest
// unread trace bytes are silently dropped.
package dbgring

import (
	"io"

	"github.com/bluesense-io/bluesense/internal/ring"
)

// DefaultCapacity is a reasonable size for a trace console that is drained
// far more slowly than the main data stream.
const DefaultCapacity = 512

// Ring is a bounded, never-blocking byte sink suitable for attaching to a
// logging.Logger as a secondary destination.
type Ring struct {
	buf *ring.Buffer
}

// New creates a debug ring of the given power-of-two capacity.
func New(capacity int) *Ring {
	return &Ring{buf: ring.New(capacity)}
}

// Write implements io.Writer. It never blocks and never returns an error:
// when the ring is full, the oldest queued byte is dropped to make room for
// each new one.
func (r *Ring) Write(p []byte) (int, error) {
	for _, b := range p {
		if r.buf.IsFull() {
			r.buf.Pop() // drop the oldest byte to make room for the newest
		}
		r.buf.Push(b)
	}
	return len(p), nil
}

// Drain copies as many queued trace bytes as fit into out, returning the
// count copied, for a foreground poll loop or a debug console reader.
func (r *Ring) Drain(out []byte) int {
	return r.buf.PopN(out)
}

// Level reports how many trace bytes are currently queued.
func (r *Ring) Level() int { return r.buf.Level() }

var _ io.Writer = (*Ring)(nil)
