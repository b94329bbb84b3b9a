// Package streamwriter implements the cache-assisted multi-block SD
// streaming writer: it drives an sdcard.Card's CMD25 multi-block session
// and hides a cheap card's block-reorder stall behind a bounded cache
// instead of making the caller wait on every block boundary.
package streamwriter

import (
	"time"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/logging"
	"github.com/bluesense-io/bluesense/internal/metrics"
	"github.com/bluesense-io/bluesense/internal/sdcard"
)

// CacheSize is the streaming writer's pending-bytes cache capacity.
const CacheSize = 512

// fillerByte pads a final partial block to BlockSize on close.
const fillerByte = 0x55

// mustWaitPollAttempts bounds how many immediate, non-blocking readiness
// polls a call makes before deciding to either cache the incoming bytes or
// fall back to a bounded busy-wait.
const mustWaitPollAttempts = 4

// rwTimeout bounds how long streamcache_write will busy-poll card-ready
// when the cache cannot absorb the call (mirrors the SD driver's own
// post-write busy bound).
const rwTimeout = 1500 * time.Millisecond

// StreamWriter is the multi-level state machine ("numwritten", "must_wait",
// "cache") collapsed into one struct, replacing what would otherwise be a
// set of module-level statics.
type StreamWriter struct {
	card *sdcard.Card
	log  *logging.Logger
	obs  metrics.Observer

	session *sdcard.WriteSession

	startSector     uint32
	preEraseSectors uint32
	address         uint32 // sector the block currently being assembled will land on
	lastDataSector  uint32
	wroteAnyBlock   bool

	scratch    [CacheSize]byte
	numWritten int

	cache  [CacheSize]byte
	cacheN int

	mustWait bool
	tStop    time.Time

	errCount uint64
}

// Option configures a StreamWriter at construction.
type Option func(*StreamWriter)

func WithLogger(l *logging.Logger) Option { return func(w *StreamWriter) { w.log = l } }
func WithObserver(o metrics.Observer) Option {
	return func(w *StreamWriter) { w.obs = o }
}

// New creates a StreamWriter over the given card. Open must be called
// before any write.
func New(card *sdcard.Card, opts ...Option) *StreamWriter {
	w := &StreamWriter{
		card: card,
		log:  logging.Default(),
		obs:  metrics.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open resets the writer's state for a new multi-block run. The CMD25
// session itself is established lazily on the first byte written, per the
// SD bus's own "session opens on first write" behavior.
func (w *StreamWriter) Open(startSector uint32, preEraseSectors uint32) {
	w.session = nil
	w.startSector = startSector
	w.preEraseSectors = preEraseSectors
	w.address = startSector
	w.lastDataSector = startSector
	w.wroteAnyBlock = false
	w.numWritten = 0
	w.cacheN = 0
	w.mustWait = false
}

func (w *StreamWriter) ensureSessionOpen() error {
	if w.session != nil {
		return nil
	}
	session, err := w.card.OpenWriteMulti(w.startSector, w.preEraseSectors)
	if err != nil {
		return errs.Wrap("streamwriter.stream_open", errs.CardUnavailable, err)
	}
	w.session = session
	return nil
}

// StreamWrite is the non-caching flavor: it writes directly into the
// current block and returns as soon as at most one block boundary has been
// crossed, so the caller can interleave bookkeeping (e.g. updating a FAT
// sector) between blocks. completedBlock reports whether a block was
// flushed to the card during this call.
func (w *StreamWriter) StreamWrite(data []byte) (completedBlock bool, err error) {
	if err := w.ensureSessionOpen(); err != nil {
		return false, err
	}
	n := copy(w.scratch[w.numWritten:], data)
	w.numWritten += n
	if w.numWritten < CacheSize {
		return false, nil
	}
	if err := w.flushBlock(); err != nil {
		return false, err
	}
	return true, nil
}

// StreamCacheWrite is the caching flavor described by the algorithm: drain
// any must_wait backlog first, then drain the cache into the current
// block, then append as much of data as fits, flushing completed blocks
// along the way and looping over any remainder.
func (w *StreamWriter) StreamCacheWrite(data []byte) error {
	for {
		if w.mustWait {
			handled, err := w.resolveMustWait(data)
			if err != nil {
				return err
			}
			if handled {
				// Either the bytes were absorbed into the cache, or there
				// were none to absorb; nothing more to do this call.
				return nil
			}
		}

		if len(data) == 0 && w.cacheN == 0 {
			return nil
		}

		if err := w.ensureSessionOpen(); err != nil {
			return err
		}

		// Drain the cache into the block first; it never grows once a
		// block is in progress.
		if w.cacheN > 0 {
			n := copy(w.scratch[w.numWritten:], w.cache[:w.cacheN])
			w.numWritten += n
			copy(w.cache[:], w.cache[n:w.cacheN])
			w.cacheN -= n
		}

		room := CacheSize - w.numWritten
		n := room
		if n > len(data) {
			n = len(data)
		}
		copy(w.scratch[w.numWritten:], data[:n])
		w.numWritten += n
		data = data[n:]

		if w.numWritten < CacheSize {
			return nil
		}

		if err := w.flushBlockNoWait(); err != nil {
			return err
		}

		if len(data) == 0 {
			return nil
		}
	}
}

// resolveMustWait polls a bounded number of times; if the card has become
// ready it clears must_wait and returns handled=false so the caller
// proceeds to drain the cache and append data normally. If not ready, it
// either absorbs data into the cache (when it fits, returning
// handled=true) or busy-polls up to rwTimeout from t_stop, aborting the
// session and returning an error on timeout.
func (w *StreamWriter) resolveMustWait(data []byte) (handled bool, err error) {
	for i := 0; i < mustWaitPollAttempts; i++ {
		done, err := w.session.PollReady()
		if err != nil {
			w.abort()
			w.errCount++
			return true, errs.Wrap("streamwriter.streamcache_write", errs.CardUnavailable, err)
		}
		if done {
			w.mustWait = false
			return false, nil
		}
	}

	if len(data) <= CacheSize-w.cacheN {
		n := copy(w.cache[w.cacheN:], data)
		w.cacheN += n
		w.obs.ObserveCacheDepth(uint32(w.cacheN))
		return true, nil
	}

	deadline := w.tStop.Add(rwTimeout)
	for time.Now().Before(deadline) {
		done, err := w.session.PollReady()
		if err != nil {
			w.abort()
			w.errCount++
			return true, errs.Wrap("streamwriter.streamcache_write", errs.CardUnavailable, err)
		}
		if done {
			w.mustWait = false
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}

	w.abort()
	w.errCount++
	return true, errs.New("streamwriter.streamcache_write", errs.WriteTimeout, "card busy beyond RW_TIMEOUT with cache full")
}

// flushBlock writes the current scratch block and waits for the card to be
// ready before returning, used by the non-caching StreamWrite flavor.
func (w *StreamWriter) flushBlock() error {
	if err := w.writeScratch(); err != nil {
		return err
	}
	deadline := time.Now().Add(rwTimeout)
	for time.Now().Before(deadline) {
		done, err := w.session.PollReady()
		if err != nil {
			w.abort()
			w.errCount++
			return errs.Wrap("streamwriter.stream_write", errs.CardUnavailable, err)
		}
		if done {
			return nil
		}
	}
	w.abort()
	w.errCount++
	return errs.New("streamwriter.stream_write", errs.WriteTimeout, "card busy beyond RW_TIMEOUT")
}

// flushBlockNoWait writes the current scratch block and immediately
// returns without waiting for the card to finish programming it, entering
// must_wait so the next call resolves it instead.
func (w *StreamWriter) flushBlockNoWait() error {
	if err := w.writeScratch(); err != nil {
		return err
	}
	w.tStop = time.Now()
	w.mustWait = true
	return nil
}

func (w *StreamWriter) writeScratch() error {
	start := time.Now()
	accepted, err := w.session.WriteBlock(w.scratch[:])
	if err != nil {
		w.abort()
		w.errCount++
		w.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.Wrap("streamwriter.streamcache_write", errs.CardUnavailable, err)
	}
	if !accepted {
		w.abort()
		w.errCount++
		w.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.New("streamwriter.streamcache_write", errs.WriteRejected, "card rejected block")
	}
	w.obs.ObserveWrite(CacheSize, uint64(time.Since(start)), true)
	w.lastDataSector = w.address
	w.wroteAnyBlock = true
	w.address++
	w.numWritten = 0
	return nil
}

func (w *StreamWriter) abort() {
	if w.session != nil {
		w.session.Close()
		w.session = nil
	}
	w.mustWait = false
}

// Close flushes any pending cache and partial block (padded with
// fillerByte), sends the stop-tran token, waits for ready, and releases
// the bus. It returns the last sector that holds user data.
func (w *StreamWriter) Close() (lastSector uint32, err error) {
	if err := w.StreamCacheWrite(nil); err != nil {
		return 0, err
	}

	if w.numWritten > 0 {
		for i := w.numWritten; i < CacheSize; i++ {
			w.scratch[i] = fillerByte
		}
		if err := w.ensureSessionOpen(); err != nil {
			return 0, err
		}
		if err := w.writeScratch(); err != nil {
			return 0, err
		}
	}

	if w.session != nil {
		if err := w.session.Close(); err != nil {
			w.errCount++
			w.session = nil
			return 0, errs.Wrap("streamwriter.stream_close", errs.WriteTimeout, err)
		}
		w.session = nil
	}

	if !w.wroteAnyBlock {
		return w.startSector, nil
	}
	return w.lastDataSector, nil
}

// ErrorCount reports how many times this writer has aborted a session due
// to a card error or timeout.
func (w *StreamWriter) ErrorCount() uint64 { return w.errCount }
