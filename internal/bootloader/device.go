package bootloader

// STK500v2 command and status byte values, per the protocol's published
// command set (AVR061 / avrdude's stk500v2.c).
const (
	cmdSignOn           = 0x01
	cmdSetParameter     = 0x02
	cmdGetParameter     = 0x03
	cmdLoadAddress      = 0x06
	cmdEnterProgModeISP = 0x10
	cmdLeaveProgModeISP = 0x11
	cmdChipEraseISP     = 0x12
	cmdProgramFlashISP  = 0x13
	cmdReadFlashISP     = 0x14
	cmdProgramEEPROMISP = 0x15
	cmdReadEEPROMISP    = 0x16
	cmdProgramFuseISP   = 0x17
	cmdReadFuseISP      = 0x18
	cmdProgramLockISP   = 0x19
	cmdReadLockISP      = 0x1A
	cmdReadSignatureISP = 0x1B
	cmdSPIMulti         = 0x1D

	statusCmdOK      = 0x00
	statusCmdFailed  = 0xC0
	statusCksumError = 0xC1
	statusCmdUnknown = 0xC9
)

// Parameter IDs for GET_PARAMETER/SET_PARAMETER.
const (
	paramBuildNumberLow  = 0x80
	paramBuildNumberHigh = 0x81
	paramHWVer           = 0x90
	paramSWMajor         = 0x91
	paramSWMinor         = 0x92
	paramVTarget         = 0x94
)

// DeviceIdentity holds the configurable fuse/signature/lock-bit values a
// real device would report — hard-coded constants in the C bootloader
// (stk5002.c's SIGNATURE_BYTES and boot_lock_fuse_bits_get reads), kept
// here as data rather than inlined magic numbers. Defaults match an
// ATmega1284P target, the part BlueSense's bootloader was built for.
type DeviceIdentity struct {
	Signature  [3]byte
	LockBits   byte
	FuseLow    byte
	FuseHigh   byte
	FuseExt    byte
	HWVersion  byte
	SWMajor    byte
	SWMinor    byte
}

// DefaultIdentity returns the stk5002.c-equivalent defaults.
func DefaultIdentity() DeviceIdentity {
	return DeviceIdentity{
		Signature: [3]byte{0x1E, 0x97, 0x05}, // ATmega1284P
		LockBits:  0xFF,
		FuseLow:   0xFF,
		FuseHigh:  0xD8,
		FuseExt:   0xFC,
		HWVersion: 0x0F,
		SWMajor:   2,
		SWMinor:   0x0A,
	}
}

// ADCReader supplies the battery-voltage reading reported via
// GET_PARAMETER(PARAM_VTARGET).
type ADCReader interface {
	ReadBatteryMv() uint16
}

// Memory is the flash/EEPROM backing store the PROGRAM_*/READ_* commands
// operate on, abstracted so a host-side test double can stand in for the
// real AVR self-programming registers.
type Memory interface {
	WriteFlashPage(addr uint32, data []byte) error
	ReadFlash(addr uint32, n int) ([]byte, error)
	WriteEEPROM(addr uint32, data []byte) error
	ReadEEPROM(addr uint32, n int) ([]byte, error)
	ChipErase() error
}

// LeaveHandler is invoked on LEAVE_PROGMODE_ISP — the real bootloader
// hands off to the application via a watchdog reset rather than cleanly
// tearing down peripherals; the handler
// models that hand-off point so a host test can observe it without
// needing to model a reset vector.
type LeaveHandler func()
