package motion

import (
	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/logging"
	"github.com/bluesense-io/bluesense/internal/sched"
)

// Clock supplies the microsecond timestamp stamped on each sample, kept as
// an interface so tests can supply a deterministic sequence instead of a
// real hardware counter.
type Clock interface {
	NowUs() uint32
}

// SensorBackend is the device driving one atomic register-burst read per
// interrupt. Configure is called on every mode switch (including Off,
// which backends should treat as "disable and power down as applicable").
type SensorBackend interface {
	Configure(m Mode) error
	ReadBurst() ([burstSize]byte, error)
}

// GyroBiasSetter is implemented by backends that support programming a
// persistent gyro bias register, exercised by Calibrate.
type GyroBiasSetter interface {
	SetGyroBias(x, y, z int16) error
}

// MagBiasSetter is implemented by backends that support programming a
// persistent magnetometer hard-iron offset, exercised by MagCalibrate.
type MagBiasSetter interface {
	SetMagBias(x, y, z int16) error
}

// CalMode is the persistent magnetometer calibration mode (mirrors
// nvconfig.MagCalMode's value space without importing it, to keep motion
// independent of the config package).
type CalMode uint8

const (
	CalNone CalMode = iota
	CalFactory
	CalUser
)

// Pipeline is the motion acquisition path: mode table, sensor backend,
// sample ring, and the optional orientation filter.
type Pipeline struct {
	backend SensorBackend
	clock   Clock
	log     *logging.Logger

	ring *SampleRing
	mode Mode
	cal  CalMode

	fuser      Fuser
	schedHandle int
	sch        *sched.Scheduler
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

func WithLogger(l *logging.Logger) Option { return func(p *Pipeline) { p.log = l } }
func WithFuser(f Fuser) Option            { return func(p *Pipeline) { p.fuser = f } }

// New creates a pipeline over backend, with a sample ring of the given
// power-of-two slot count, starting in Off mode.
func New(backend SensorBackend, clock Clock, ringSlots int, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:     backend,
		clock:       clock,
		log:         logging.Default(),
		ring:        NewSampleRing(ringSlots),
		mode:        Off,
		schedHandle: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetMode switches the acquisition mode. Switching to Off disables the
// interrupt source and clears the sample ring; switching away from Off
// (re)configures the backend. Any scheduler callback registered by an
// earlier SetMode is disabled. If sch is non-nil and the new mode uses a
// timer-divided interrupt source, a new scheduler callback is registered at
// the mode's divided rate in place of an externally delivered data-ready
// edge.
func (p *Pipeline) SetMode(m Mode, sch *sched.Scheduler) error {
	if p.schedHandle != -1 && p.sch != nil {
		p.sch.Disable(p.schedHandle)
	}

	if err := p.backend.Configure(m); err != nil {
		return errs.Wrap("motion.set_mode", errs.ProtocolError, err)
	}
	p.mode = m
	p.ring.reset()

	if m.Name == Off.Name {
		return nil
	}

	if m.InterruptSource == InterruptTimerDivided && sch != nil {
		period := uint32(1000 / int(m.SampleRate))
		if period == 0 {
			period = 1
		}
		p.sch = sch
		p.schedHandle = sch.Register("motion-auto-read", period, func(uint64) { p.Sense() })
	}
	p.log.Info("motion mode set", "mode", m.Name)
	return nil
}

// Sense performs one ISR-simulated burst read: a caller stands in for the
// data-ready interrupt (InterruptDataReady modes) by calling this directly,
// or the scheduler calls it for InterruptTimerDivided modes. It never
// blocks: a backend read error is logged and the sample is skipped, and a
// full ring just increments the overflow counter.
func (p *Pipeline) Sense() {
	burst, err := p.backend.ReadBurst()
	if err != nil {
		p.log.Warn("motion burst read failed", "err", err.Error())
		return
	}
	s := decodeSample(burst, p.clock.NowUs())

	if p.mode.QuaternionOn && p.fuser != nil {
		gx, gy, gz := float32(s.GX), float32(s.GY), float32(s.GZ)
		ax, ay, az := float32(s.AX), float32(s.AY), float32(s.AZ)
		mx, my, mz := float32(s.MX), float32(s.MY), float32(s.MZ)
		dt := 1.0 / float32(p.mode.SampleRate)
		s.Quat = p.fuser.Update(gx, gy, gz, ax, ay, az, mx, my, mz, dt)
		s.HasQuat = true
	}

	p.ring.push(s)
}

// DataLevel and DataGetNext expose the sample ring to the mode dispatcher.
func (p *Pipeline) DataLevel() int                      { return p.ring.DataLevel() }
func (p *Pipeline) DataGetNext() (Sample, bool)         { return p.ring.DataGetNext() }
func (p *Pipeline) OverflowCount() uint32               { return p.ring.OverflowCount() }
func (p *Pipeline) Mode() Mode                          { return p.mode }
func (p *Pipeline) CalibrationMode() CalMode             { return p.cal }
func (p *Pipeline) SetCalibrationMode(m CalMode)         { p.cal = m }

// Calibrate places the sensor at rest, collects n samples by draining the
// ring (assumed already filling via Sense calls from the caller), averages
// the gyro axes, and programs the bias if the backend supports it.
func (p *Pipeline) Calibrate(n int) error {
	setter, ok := p.backend.(GyroBiasSetter)
	if !ok {
		return errs.New("motion.calibrate", errs.ProtocolError, "backend does not support gyro bias")
	}

	var sumX, sumY, sumZ int64
	got := 0
	for got < n {
		s, ok := p.ring.DataGetNext()
		if !ok {
			break
		}
		sumX += int64(s.GX)
		sumY += int64(s.GY)
		sumZ += int64(s.GZ)
		got++
	}
	if got == 0 {
		return errs.New("motion.calibrate", errs.ProtocolError, "no samples available")
	}
	bx := int16(sumX / int64(got))
	by := int16(sumY / int64(got))
	bz := int16(sumZ / int64(got))
	if err := setter.SetGyroBias(bx, by, bz); err != nil {
		return errs.Wrap("motion.calibrate", errs.ProtocolError, err)
	}
	p.cal = CalFactory
	return nil
}

// MagCalibrate estimates per-axis hard-iron offsets over a user-motion
// window: the midpoint of the min/max excursion seen on each axis across n
// samples, a standard hard-iron estimate, then programs the offset if
// supported.
func (p *Pipeline) MagCalibrate(n int) error {
	setter, ok := p.backend.(MagBiasSetter)
	if !ok {
		return errs.New("motion.mag_calibrate", errs.ProtocolError, "backend does not support mag bias")
	}

	var minX, minY, minZ int32 = 1<<31 - 1, 1<<31 - 1, 1<<31 - 1
	var maxX, maxY, maxZ int32 = -(1 << 31), -(1 << 31), -(1 << 31)
	got := 0
	for got < n {
		s, ok := p.ring.DataGetNext()
		if !ok {
			break
		}
		minX, maxX = minI32(minX, int32(s.MX)), maxI32(maxX, int32(s.MX))
		minY, maxY = minI32(minY, int32(s.MY)), maxI32(maxY, int32(s.MY))
		minZ, maxZ = minI32(minZ, int32(s.MZ)), maxI32(maxZ, int32(s.MZ))
		got++
	}
	if got == 0 {
		return errs.New("motion.mag_calibrate", errs.ProtocolError, "no samples available")
	}
	ox := int16((minX + maxX) / 2)
	oy := int16((minY + maxY) / 2)
	oz := int16((minZ + maxZ) / 2)
	if err := setter.SetMagBias(ox, oy, oz); err != nil {
		return errs.Wrap("motion.mag_calibrate", errs.ProtocolError, err)
	}
	p.cal = CalUser
	return nil
}

func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
