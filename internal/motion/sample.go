package motion

import "encoding/binary"

// burstSize is the fixed register window read in a single atomic SPI burst:
// acc x/y/z (6), temp (2), gyro x/y/z (6), mag x/y/z + status (7).
const burstSize = 21

// Quaternion is the optional orientation estimate, Q15 fixed-point
// (1 sign bit, 15 fractional bits), matching the sample record's on-wire
// representation regardless of which Fuser implementation produced it.
type Quaternion struct {
	W, X, Y, Z int16
}

// Sample is the fixed-layout sensor record produced once per ISR burst and
// queued to the sample ring.
type Sample struct {
	TimeUs    uint32
	AX, AY, AZ int16
	GX, GY, GZ int16
	MX, MY, MZ int16
	MagStatus  uint8
	Temp       int16
	HasQuat    bool
	Quat       Quaternion
}

// decodeSample parses the 21-byte register burst into a Sample, stamping it
// with the caller-supplied microsecond timestamp (read once, close to the
// burst, by the ISR).
func decodeSample(burst [burstSize]byte, tUs uint32) Sample {
	be := binary.BigEndian
	s := Sample{TimeUs: tUs}
	s.AX = int16(be.Uint16(burst[0:2]))
	s.AY = int16(be.Uint16(burst[2:4]))
	s.AZ = int16(be.Uint16(burst[4:6]))
	s.Temp = int16(be.Uint16(burst[6:8]))
	s.GX = int16(be.Uint16(burst[8:10]))
	s.GY = int16(be.Uint16(burst[10:12]))
	s.GZ = int16(be.Uint16(burst[12:14]))
	s.MX = int16(be.Uint16(burst[14:16]))
	s.MY = int16(be.Uint16(burst[16:18]))
	s.MZ = int16(be.Uint16(burst[18:20]))
	s.MagStatus = burst[20]
	return s
}
