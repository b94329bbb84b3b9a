// Package dispatch implements the top-level mode state machine: it owns
// switching between acquisition, host streaming, SD logging, and bootloader
// modes, and routes motion samples as formatted bytes to whichever sink the
// current mode selects. The framed I/O channel is shared between streaming
// and the bootloader protocol — only one owns it at a time.
package dispatch

import (
	"encoding/binary"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/logging"
	"github.com/bluesense-io/bluesense/internal/motion"
	"github.com/bluesense-io/bluesense/internal/nvconfig"
	"github.com/bluesense-io/bluesense/internal/ufat"
)

// Mode is the top-level state.
type Mode int

const (
	ModeAcquisition Mode = iota // motion pipeline runs, samples are discarded at the ring
	ModeStreaming               // samples are formatted and routed to the framed I/O channel
	ModeLogging                 // samples are formatted and routed to a uFAT log
	ModeBootloader              // the framed I/O channel is owned by the bootloader protocol instead
)

// recordSize is the fixed sample-record wire size: t_us(4) + 9×i16(18) +
// mag_status(1) + temp(2) + quat flag(1) + 4×i16 quat(8).
const recordSize = 4 + 18 + 1 + 2 + 1 + 8

// Sink is the trait both routing destinations implement: the framed I/O
// channel (streaming) and a uFAT log file (logging).
type Sink interface {
	PutBuffer(data []byte) error
	PutChar(b byte) error
}

// Dispatcher owns the current mode and the sinks it can route to.
type Dispatcher struct {
	pipeline *motion.Pipeline
	stream   Sink
	fs       *ufat.FS

	mode    Mode
	logSink *ufat.LogSink

	cfg nvconfig.Config
	log *logging.Logger

	scratch [recordSize]byte
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithLogger(l *logging.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// New creates a dispatcher starting in ModeAcquisition. stream is the
// framed I/O channel used in ModeStreaming; fs may be nil if no uFAT
// filesystem is mounted (ModeLogging then fails to start).
func New(pipeline *motion.Pipeline, stream Sink, fs *ufat.FS, cfg nvconfig.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{pipeline: pipeline, stream: stream, fs: fs, cfg: cfg, log: logging.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode reports the current top-level mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// EnterStreaming switches to ModeStreaming; any open log is closed first.
func (d *Dispatcher) EnterStreaming() error {
	if err := d.closeLogIfOpen(); err != nil {
		return err
	}
	d.mode = ModeStreaming
	return nil
}

// EnterLogging switches to ModeLogging, opening log slot index i on the
// mounted filesystem.
func (d *Dispatcher) EnterLogging(logIndex int) error {
	if d.fs == nil || !d.fs.Available() {
		return errs.New("dispatch.enter_logging", errs.FsUnavailable, "no uFAT filesystem mounted")
	}
	sink, err := d.fs.LogOpen(logIndex)
	if err != nil {
		return err
	}
	d.logSink = sink
	d.mode = ModeLogging
	return nil
}

// EnterBootloader switches to ModeBootloader, relinquishing the framed I/O
// channel to the bootloader protocol. Any open log is closed first.
func (d *Dispatcher) EnterBootloader() error {
	if err := d.closeLogIfOpen(); err != nil {
		return err
	}
	d.mode = ModeBootloader
	return nil
}

// EnterAcquisition switches back to ModeAcquisition, closing any open log.
func (d *Dispatcher) EnterAcquisition() error {
	if err := d.closeLogIfOpen(); err != nil {
		return err
	}
	d.mode = ModeAcquisition
	return nil
}

// SyncCalibrationMode applies the persisted magnetometer calibration mode
// from cfg to the pipeline. motion.CalMode and nvconfig.MagCalMode share a
// value space but are kept as distinct types so motion doesn't import
// nvconfig; this is the one place that needs to know both, so the
// conversion lives here rather than in either package.
func (d *Dispatcher) SyncCalibrationMode() {
	d.pipeline.SetCalibrationMode(motion.CalMode(d.cfg.MagCalMode))
}

// CalibrationModeForConfig reads back the pipeline's current calibration
// mode in nvconfig's type, for callers persisting it after a calibration
// run completes.
func (d *Dispatcher) CalibrationModeForConfig() nvconfig.MagCalMode {
	return nvconfig.MagCalMode(d.pipeline.CalibrationMode())
}

func (d *Dispatcher) closeLogIfOpen() error {
	if d.logSink == nil {
		return nil
	}
	err := d.logSink.Close()
	d.logSink = nil
	return err
}

// Poll drains the motion pipeline's sample ring and routes each sample
// according to the current mode. In ModeAcquisition samples are simply
// discarded at the ring (the pipeline itself already bounds it with an
// overflow counter); in ModeStreaming/ModeLogging each sample is formatted
// and written to the active sink. A sink write error ends this Poll; in
// ModeLogging it also closes the log and switches to ModeAcquisition
// rather than retrying against a failing card.
func (d *Dispatcher) Poll() {
	for {
		s, ok := d.pipeline.DataGetNext()
		if !ok {
			return
		}
		if d.mode != ModeStreaming && d.mode != ModeLogging {
			continue
		}
		n := encodeSample(d.scratch[:], s)
		if err := d.route(d.scratch[:n]); err != nil {
			d.log.Warn("dispatch: sink write failed, stopping logging", "err", err)
			if d.mode == ModeLogging {
				_ = d.EnterAcquisition()
			}
			return
		}
	}
}

func (d *Dispatcher) route(buf []byte) error {
	switch d.mode {
	case ModeStreaming:
		return d.stream.PutBuffer(buf)
	case ModeLogging:
		return d.logSink.PutBuffer(buf)
	default:
		return nil
	}
}

// encodeSample writes s into buf in the fixed little-endian wire layout and
// returns the number of bytes written (recordSize, always — quaternion
// fields are present but zero when HasQuat is false, keeping the record a
// constant size so a reader doesn't need to branch mid-stream).
func encodeSample(buf []byte, s motion.Sample) int {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], s.TimeUs)
	le.PutUint16(buf[4:6], uint16(s.AX))
	le.PutUint16(buf[6:8], uint16(s.AY))
	le.PutUint16(buf[8:10], uint16(s.AZ))
	le.PutUint16(buf[10:12], uint16(s.GX))
	le.PutUint16(buf[12:14], uint16(s.GY))
	le.PutUint16(buf[14:16], uint16(s.GZ))
	le.PutUint16(buf[16:18], uint16(s.MX))
	le.PutUint16(buf[18:20], uint16(s.MY))
	le.PutUint16(buf[20:22], uint16(s.MZ))
	buf[22] = s.MagStatus
	le.PutUint16(buf[23:25], uint16(s.Temp))
	if s.HasQuat {
		buf[25] = 1
		le.PutUint16(buf[26:28], uint16(s.Quat.W))
		le.PutUint16(buf[28:30], uint16(s.Quat.X))
		le.PutUint16(buf[30:32], uint16(s.Quat.Y))
		le.PutUint16(buf[32:34], uint16(s.Quat.Z))
	} else {
		buf[25] = 0
		for i := 26; i < 34; i++ {
			buf[i] = 0
		}
	}
	return recordSize
}

var (
	_ Sink = (*ufat.LogSink)(nil)
)
