// Package nvconfig implements the persistent key-value configuration store:
// sensor full-scale ranges, calibration mode, Madgwick filter gain, motion
// mode index, stream format flags/period, and an opaque boot-script blob.
// It follows the same fixed-layout-struct-over-encoding/binary idiom used
// throughout this codebase for wire structs, with a magic byte and a
// checksum guarding against reading an erased or foreign NVM region: any
// mismatch yields the compiled defaults together with a typed error.
package nvconfig

import (
	"encoding/binary"

	"github.com/bluesense-io/bluesense/internal/errs"
)

// Magic identifies a valid configuration block; BootScriptMax bounds the
// opaque boot-script payload so the record stays fixed-size.
const (
	Magic         = 0xC0
	BootScriptMax = 64
	recordSize    = 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 4 + 2 + BootScriptMax + 1 // magic..checksum
)

// MagCalMode enumerates the magnetometer calibration mode.
type MagCalMode uint8

const (
	MagCalNone MagCalMode = iota
	MagCalFactory
	MagCalUser
)

// Config is the persistent key-value record. Field order matches the
// on-disk record laid out by marshal/unmarshal below.
type Config struct {
	AccFullScale      uint8      // 0..3
	GyroFullScale     uint8      // 0..3
	MagCalMode        MagCalMode // 0..2
	MadgwickBetaX100  uint8
	MotionModeIndex   uint8
	StreamTimestamp   bool
	StreamBattery     bool
	StreamBinary      bool
	StreamPeriodUs    uint32
	BootScriptLen     uint16
	BootScript        [BootScriptMax]byte
}

// Default returns the compiled-in default configuration, used whenever the
// persisted record fails its magic/checksum check.
func Default() Config {
	return Config{
		AccFullScale:     1,
		GyroFullScale:    1,
		MagCalMode:       MagCalNone,
		MadgwickBetaX100: 41, // beta = 0.41, a common Madgwick default
		MotionModeIndex:  0,
		StreamTimestamp:  true,
		StreamBattery:    false,
		StreamBinary:     false,
		StreamPeriodUs:   10_000,
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Marshal encodes c into its fixed-size on-disk representation, starting
// with a magic byte and ending with a running checksum over everything
// before it.
func (c Config) Marshal() []byte {
	buf := make([]byte, recordSize)
	buf[0] = Magic
	buf[1] = c.AccFullScale
	buf[2] = c.GyroFullScale
	buf[3] = byte(c.MagCalMode)
	buf[4] = c.MadgwickBetaX100
	buf[5] = c.MotionModeIndex
	buf[6] = boolByte(c.StreamTimestamp)
	buf[7] = boolByte(c.StreamBattery)
	buf[8] = boolByte(c.StreamBinary)
	binary.LittleEndian.PutUint32(buf[9:13], c.StreamPeriodUs)
	binary.LittleEndian.PutUint16(buf[13:15], c.BootScriptLen)
	copy(buf[15:15+BootScriptMax], c.BootScript[:])

	sum := byte(0)
	for _, b := range buf[:recordSize-1] {
		sum += b
	}
	buf[recordSize-1] = sum
	return buf
}

// Unmarshal decodes a record previously written by Marshal, validating the
// magic byte and checksum. On any mismatch it returns Default() and a typed
// error so the caller can log the fallback but keep running.
func Unmarshal(buf []byte) (Config, error) {
	if len(buf) < recordSize {
		return Default(), errs.New("nvconfig.load", errs.ProtocolError, "short record")
	}
	if buf[0] != Magic {
		return Default(), errs.New("nvconfig.load", errs.ProtocolError, "bad magic")
	}
	sum := byte(0)
	for _, b := range buf[:recordSize-1] {
		sum += b
	}
	if sum != buf[recordSize-1] {
		return Default(), errs.New("nvconfig.load", errs.ProtocolError, "checksum mismatch")
	}

	var c Config
	c.AccFullScale = buf[1]
	c.GyroFullScale = buf[2]
	c.MagCalMode = MagCalMode(buf[3])
	c.MadgwickBetaX100 = buf[4]
	c.MotionModeIndex = buf[5]
	c.StreamTimestamp = buf[6] != 0
	c.StreamBattery = buf[7] != 0
	c.StreamBinary = buf[8] != 0
	c.StreamPeriodUs = binary.LittleEndian.Uint32(buf[9:13])
	c.BootScriptLen = binary.LittleEndian.Uint16(buf[13:15])
	copy(c.BootScript[:], buf[15:15+BootScriptMax])
	return c, nil
}

// Store is a minimal persistence backend: Read returns the raw record
// bytes (or an error if nothing has ever been written), Write persists
// them. Concrete backends (a reserved SD sector, an EEPROM emulation) wire
// this interface rather than the Config type, keeping nvconfig's
// marshalling logic storage-agnostic.
type Store interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// Load reads and decodes the configuration from store, falling back to
// Default on any read or validation failure.
func Load(store Store) (Config, error) {
	raw, err := store.Read()
	if err != nil {
		return Default(), errs.Wrap("nvconfig.load", errs.ProtocolError, err)
	}
	return Unmarshal(raw)
}

// Save encodes and persists c to store.
func Save(store Store, c Config) error {
	return store.Write(c.Marshal())
}
