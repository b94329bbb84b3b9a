package ufat

import (
	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/streamwriter"
)

// LogSink is the write-only handle returned by LogOpen. It routes bytes
// through a streamwriter.StreamWriter at the log's pre-allocated start
// cluster, refusing writes once the log's fixed byte budget is exhausted.
type LogSink struct {
	fs       *FS
	index    int
	sw       *streamwriter.StreamWriter
	written  uint64
	capacity uint64
}

// LogOpen opens log i (0-based) for append-only writing. Only one log may
// be open at a time; opening a second without closing the first fails.
func (f *FS) LogOpen(i int) (*LogSink, error) {
	if err := f.requireAvailable("ufat.log_open"); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(f.logEntries) {
		return nil, errs.New("ufat.log_open", errs.ProtocolError, "log index out of range")
	}
	if f.openIndex != -1 {
		return nil, errs.New("ufat.log_open", errs.ProtocolError, "a log is already open")
	}

	e := f.logEntries[i]
	startSector := clusterToSector(f.dataStartSector, e.StartCluster)
	preEraseBlocks := e.SizeClusters * SectorsPerCluster

	sw := streamwriter.New(f.card, streamwriter.WithLogger(f.log), streamwriter.WithObserver(f.obs))
	sw.Open(startSector, preEraseBlocks)

	sink := &LogSink{fs: f, index: i, sw: sw, written: uint64(e.Size), capacity: f.logSizeBytes}
	f.openIndex = i
	f.openSink = sink
	f.log.Info("ufat log opened", "index", i, "name", e.Name, "start_cluster", e.StartCluster)
	return sink, nil
}

// PutBuffer appends data to the open log, enforcing the log's fixed byte
// budget. A write that would overflow the budget is rejected entirely
// (no partial write) with errs.LogFull.
func (s *LogSink) PutBuffer(data []byte) error {
	if s.written+uint64(len(data)) > s.capacity {
		return errs.New("ufat.log_write", errs.LogFull, "write exceeds log_size_bytes")
	}
	if err := s.sw.StreamCacheWrite(data); err != nil {
		return errs.Wrap("ufat.log_write", errs.CardUnavailable, err)
	}
	s.written += uint64(len(data))
	return nil
}

// PutChar appends a single byte to the open log.
func (s *LogSink) PutChar(b byte) error {
	return s.PutBuffer([]byte{b})
}

// BytesWritten returns the number of bytes written to this log so far,
// including any bytes it already held when reopened.
func (s *LogSink) BytesWritten() uint64 { return s.written }

// Close flushes any cached-but-unwritten bytes, updates the log's directory
// record with its new size, and releases the write session so another log
// may be opened.
func (s *LogSink) Close() error {
	if _, err := s.sw.Close(); err != nil {
		return errs.Wrap("ufat.log_close", errs.CardUnavailable, err)
	}

	f := s.fs
	f.logEntries[s.index].Size = uint32(s.written)
	if err := f.writeLogRecord(s.index); err != nil {
		return err
	}
	f.openIndex = -1
	f.openSink = nil
	f.log.Info("ufat log closed", "index", s.index, "bytes_written", s.written)
	return nil
}

// writeLogRecord rewrites entry i+1 of the root sector with its current
// size, the only field that changes after format time.
func (f *FS) writeLogRecord(i int) error {
	var buf [512]byte
	if err := f.card.BlockRead(f.rootSector, buf[:]); err != nil {
		return errs.Wrap("ufat.log_close", errs.CardUnavailable, err)
	}

	var r record
	off := (i + 1) * RecordSize
	copy(r[:], buf[off:off+RecordSize])
	r.setSize(f.logEntries[i].Size)
	copy(buf[off:off+RecordSize], r[:])

	if err := f.card.BlockWrite(f.rootSector, buf[:]); err != nil {
		return errs.Wrap("ufat.log_close", errs.CardUnavailable, err)
	}
	return nil
}
