package ufat

import (
	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/logging"
	"github.com/bluesense-io/bluesense/internal/metrics"
	"github.com/bluesense-io/bluesense/internal/sdcard"
)

// LogEntry describes one pre-allocated log extent.
type LogEntry struct {
	Name         string
	StartCluster uint32
	SizeClusters uint32
	Size         uint32 // bytes currently written
}

// FS is a mounted (or just-formatted) uFAT volume descriptor plus the
// machinery to open/close logs. It is populated once by Mount or Format and
// is read-only thereafter except for the per-log Size field, updated when a
// LogSink is closed.
type FS struct {
	card *sdcard.Card
	log  *logging.Logger
	obs  metrics.Observer

	available bool

	capacitySectors uint64
	secPerFAT       uint32
	fat1Sector      uint32
	dataStartSector uint32
	rootSector      uint32

	volumeLabel  string
	logEntries   []LogEntry
	logSizeBytes uint64

	openIndex int // -1 when no log is open
	openSink  *LogSink
}

// Option configures an FS at construction.
type Option func(*FS)

func WithLogger(l *logging.Logger) Option    { return func(f *FS) { f.log = l } }
func WithObserver(o metrics.Observer) Option { return func(f *FS) { f.obs = o } }

func newFS(card *sdcard.Card, opts ...Option) *FS {
	f := &FS{
		card:      card,
		log:       logging.Default(),
		obs:       metrics.NoOpObserver{},
		openIndex: -1,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Available reports whether the volume mounted successfully and log
// operations may proceed.
func (f *FS) Available() bool { return f.available }

// LogCount returns the number of pre-allocated logs this volume was
// formatted with.
func (f *FS) LogCount() int { return len(f.logEntries) }

// LogEntries returns a copy of the current log directory.
func (f *FS) LogEntries() []LogEntry {
	out := make([]LogEntry, len(f.logEntries))
	copy(out, f.logEntries)
	return out
}

func (f *FS) requireAvailable(op string) error {
	if !f.available {
		return errs.New(op, errs.FsUnavailable, "filesystem not mounted")
	}
	return nil
}
