package motion

import "sync/atomic"

// SampleRing is a single-producer/single-consumer bounded queue of Sample
// records, the same power-of-two/masked-index shape as internal/ring but
// specialized to the fixed-layout record instead of a byte, since the ISR
// always produces one whole decoded sample per burst rather than a byte
// stream.
type SampleRing struct {
	buf      []Sample
	mask     uint32
	write    atomic.Uint32 // producer-owned (ISR)
	read     atomic.Uint32 // consumer-owned (foreground)
	overflow atomic.Uint32
}

// NewSampleRing creates a ring of the given power-of-two slot count (8 or
// 16 per the acquisition path's sizing).
func NewSampleRing(slots int) *SampleRing {
	if slots < 2 || slots&(slots-1) != 0 {
		panic("motion: sample ring capacity must be a power of two >= 2")
	}
	return &SampleRing{
		buf:  make([]Sample, slots),
		mask: uint32(slots - 1),
	}
}

// push is called from the simulated ISR path. On overflow it drops the new
// sample and increments the overflow counter rather than blocking.
func (r *SampleRing) push(s Sample) {
	w := r.write.Load()
	rd := r.read.Load()
	if (w+1)&r.mask == rd&r.mask {
		r.overflow.Add(1)
		return
	}
	r.buf[w&r.mask] = s
	r.write.Store(w + 1)
}

// DataLevel reports how many samples are queued for the consumer.
func (r *SampleRing) DataLevel() int {
	w := r.write.Load()
	rd := r.read.Load()
	return int((w - rd) & r.mask)
}

// DataGetNext pops the oldest queued sample, returning ok=false on empty.
func (r *SampleRing) DataGetNext() (s Sample, ok bool) {
	rd := r.read.Load()
	w := r.write.Load()
	if rd == w {
		return Sample{}, false
	}
	s = r.buf[rd&r.mask]
	r.read.Store(rd + 1)
	return s, true
}

// OverflowCount returns the number of samples dropped because the ring was
// full when the ISR produced a new one.
func (r *SampleRing) OverflowCount() uint32 { return r.overflow.Load() }

// reset clears the ring and its overflow counter, used when the mode
// switches to Off.
func (r *SampleRing) reset() {
	r.write.Store(0)
	r.read.Store(0)
	r.overflow.Store(0)
}
