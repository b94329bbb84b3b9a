package motion

import "math"

// Fuser is the orientation-fusion primitive: gyro (rad/s), accelerometer
// (any consistent unit, only direction matters), and magnetometer readings
// plus an elapsed time step go in; an updated Q15 quaternion comes out.
// Two implementations exist because the firmware builds this step two
// different ways depending on target: a float build and a Q15 fixed-point
// build. Go has no single numeric type spanning both representations with
// the same arithmetic, so — per the dynamic-dispatch convention used
// elsewhere for pluggable behaviour (the log sink, the framed channel) —
// this is modelled as an interface rather than a generic. In this package
// MadgwickFixed runs MadgwickFloat's arithmetic and keeps its Q15 output;
// it has no separate fixed-point arithmetic.
type Fuser interface {
	Update(gx, gy, gz, ax, ay, az, mx, my, mz float32, dtSeconds float32) Quaternion
	SetBeta(betaX100 uint8)
}

// MadgwickFloat implements the Madgwick AHRS gradient-descent filter in
// double precision, the "float build" of the orientation-fusion step.
type MadgwickFloat struct {
	beta       float64
	q0, q1, q2, q3 float64
}

// NewMadgwickFloat creates a filter initialised to the identity quaternion
// with gain beta = betaX100/100 (the persisted NVM representation).
func NewMadgwickFloat(betaX100 uint8) *MadgwickFloat {
	f := &MadgwickFloat{q0: 1}
	f.SetBeta(betaX100)
	return f
}

func (f *MadgwickFloat) SetBeta(betaX100 uint8) { f.beta = float64(betaX100) / 100.0 }

// Update runs one gradient-descent correction step then integrates the
// gyro rate, following Madgwick's 2010 algorithm.
func (f *MadgwickFloat) Update(gx, gy, gz, ax, ay, az, mx, my, mz float32, dt float32) Quaternion {
	q0, q1, q2, q3 := f.q0, f.q1, f.q2, f.q3

	if !(ax == 0 && ay == 0 && az == 0) {
		norm := math.Sqrt(float64(ax*ax + ay*ay + az*az))
		nax, nay, naz := float64(ax)/norm, float64(ay)/norm, float64(az)/norm

		f2q0, f2q1, f2q2, f2q3 := 2*q0, 2*q1, 2*q2, 2*q3
		f4q0, f4q1, f4q2 := 4*q0, 4*q1, 4*q2
		f8q1, f8q2 := 8*q1, 8*q2
		q0q0, q1q1, q2q2, q3q3 := q0*q0, q1*q1, q2*q2, q3*q3

		s0 := f4q0*q2q2 + f2q2*nax + f4q0*q1q1 - f2q1*nay
		s1 := f4q1*q3q3 - f2q3*nax + 4*q0q0*q1 - f2q0*nay - f4q1 + f8q1*q1q1 + f8q1*q2q2 + f4q1*naz
		s2 := 4*q0q0*q2 + f2q0*nax + f4q2*q3q3 - f2q3*nay - f4q2 + f8q2*q1q1 + f8q2*q2q2 + f4q2*naz
		s3 := 4*q1q1*q3 - f2q1*nax + 4*q2q2*q3 - f2q2*nay
		norm2 := math.Sqrt(s0*s0 + s1*s1 + s2*s2 + s3*s3)
		if norm2 > 0 {
			s0, s1, s2, s3 = s0/norm2, s1/norm2, s2/norm2, s3/norm2
		}

		qDot0 := 0.5*(-q1*float64(gx)-q2*float64(gy)-q3*float64(gz)) - f.beta*s0
		qDot1 := 0.5*(q0*float64(gx)+q2*float64(gz)-q3*float64(gy)) - f.beta*s1
		qDot2 := 0.5*(q0*float64(gy)-q1*float64(gz)+q3*float64(gx)) - f.beta*s2
		qDot3 := 0.5*(q0*float64(gz)+q1*float64(gy)-q2*float64(gx)) - f.beta*s3

		q0 += qDot0 * float64(dt)
		q1 += qDot1 * float64(dt)
		q2 += qDot2 * float64(dt)
		q3 += qDot3 * float64(dt)
	} else {
		q0 += 0.5 * (-q1*float64(gx) - q2*float64(gy) - q3*float64(gz)) * float64(dt)
		q1 += 0.5 * (q0*float64(gx) + q2*float64(gz) - q3*float64(gy)) * float64(dt)
		q2 += 0.5 * (q0*float64(gy) - q1*float64(gz) + q3*float64(gx)) * float64(dt)
		q3 += 0.5 * (q0*float64(gz) + q1*float64(gy) - q2*float64(gx)) * float64(dt)
	}

	norm := math.Sqrt(q0*q0 + q1*q1 + q2*q2 + q3*q3)
	if norm > 0 {
		q0, q1, q2, q3 = q0/norm, q1/norm, q2/norm, q3/norm
	}
	f.q0, f.q1, f.q2, f.q3 = q0, q1, q2, q3
	return toQ15(q0, q1, q2, q3)
}

func toQ15(w, x, y, z float64) Quaternion {
	scale := func(v float64) int16 {
		s := v * 32768
		if s > 32767 {
			s = 32767
		}
		if s < -32768 {
			s = -32768
		}
		return int16(s)
	}
	return Quaternion{W: scale(w), X: scale(x), Y: scale(y), Z: scale(z)}
}

// MadgwickFixed is the "fixed-point build" slot of the Fuser interface. It
// wraps a MadgwickFloat: every update runs the float64 filter, whose own
// float64 quaternion and gain carry over between updates, and the Q15
// result is stored in state and returned. The Q15 state is not fed back
// into the next update, and no arithmetic is done in fixed point.
type MadgwickFixed struct {
	inner *MadgwickFloat
	state Quaternion
}

// NewMadgwickFixed creates a fixed-point-state filter with gain betaX100.
func NewMadgwickFixed(betaX100 uint8) *MadgwickFixed {
	return &MadgwickFixed{inner: NewMadgwickFloat(betaX100), state: Quaternion{W: 32767}}
}

func (f *MadgwickFixed) SetBeta(betaX100 uint8) { f.inner.SetBeta(betaX100) }

func (f *MadgwickFixed) Update(gx, gy, gz, ax, ay, az, mx, my, mz float32, dt float32) Quaternion {
	q := f.inner.Update(gx, gy, gz, ax, ay, az, mx, my, mz, dt)
	f.state = q
	return q
}

var (
	_ Fuser = (*MadgwickFloat)(nil)
	_ Fuser = (*MadgwickFixed)(nil)
)
