// Package motion implements the ISR-serviced sensor acquisition path: a
// fixed table of sensor modes, the 21-byte register-burst decode into a
// fixed-layout sample record, a bounded sample ring fed by the simulated
// ISR, and the optional on-device orientation filter.
package motion

import "github.com/bluesense-io/bluesense/internal/errs"

// SampleRateHz enumerates the supported accelerometer/gyroscope output
// rates. The set is fixed, mirroring the firmware's enumerated mode table.
type SampleRateHz int

const (
	Rate100Hz  SampleRateHz = 100
	Rate200Hz  SampleRateHz = 200
	Rate500Hz  SampleRateHz = 500
	Rate1000Hz SampleRateHz = 1000
)

// MagRate enumerates the magnetometer's own output rate, independent of the
// accelerometer/gyroscope rate.
type MagRate int

const (
	MagOff    MagRate = 0
	Mag8Hz    MagRate = 8
	Mag100Hz  MagRate = 100
)

// InterruptSource selects what drives a burst read: the sensor's own
// data-ready pin edge, or a timer-divided edge the scheduler synthesizes.
type InterruptSource int

const (
	InterruptDataReady InterruptSource = iota
	InterruptTimerDivided
)

// Mode is one entry of the fixed, enumerated mode table: sample rate,
// accelerometer/gyroscope bandwidth codes (sensor-specific register
// values, opaque here), magnetometer rate, and whether the orientation
// filter runs.
type Mode struct {
	Name            string
	SampleRate      SampleRateHz
	AccBandwidth    uint8
	GyroBandwidth   uint8
	MagRate         MagRate
	QuaternionOn    bool
	InterruptSource InterruptSource
}

// Off disables the interrupt source and clears the sample ring when
// selected; it is always present in the table at index 0.
var Off = Mode{Name: "off"}

// Modes is the fixed, enumerated table of supported acquisition modes. A
// real deployment's exact bandwidth codes are sensor-register constants;
// these are representative of the shapes sd.c/mpu_test.h select between.
var Modes = []Mode{
	Off,
	{Name: "100hz-mag8", SampleRate: Rate100Hz, AccBandwidth: 0x08, GyroBandwidth: 0x08, MagRate: Mag8Hz, InterruptSource: InterruptDataReady},
	{Name: "200hz-mag8", SampleRate: Rate200Hz, AccBandwidth: 0x06, GyroBandwidth: 0x06, MagRate: Mag8Hz, InterruptSource: InterruptDataReady},
	{Name: "500hz-mag100", SampleRate: Rate500Hz, AccBandwidth: 0x04, GyroBandwidth: 0x04, MagRate: Mag100Hz, InterruptSource: InterruptDataReady},
	{Name: "1000hz-nomag", SampleRate: Rate1000Hz, AccBandwidth: 0x00, GyroBandwidth: 0x00, MagRate: MagOff, InterruptSource: InterruptTimerDivided},
	{Name: "100hz-quat", SampleRate: Rate100Hz, AccBandwidth: 0x08, GyroBandwidth: 0x08, MagRate: Mag8Hz, QuaternionOn: true, InterruptSource: InterruptDataReady},
}

// ModeByIndex validates and returns a mode from the fixed table, the same
// lookup nvconfig.Config.MotionModeIndex is validated against on load.
func ModeByIndex(i int) (Mode, error) {
	if i < 0 || i >= len(Modes) {
		return Mode{}, errs.New("motion.mode", errs.ProtocolError, "mode index out of range")
	}
	return Modes[i], nil
}
