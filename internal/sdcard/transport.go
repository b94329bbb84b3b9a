package sdcard

// Transport abstracts the physical SPI bus the card sits on, so the driver
// can run against real hardware (internal/transport/spidev) or a fake for
// tests (internal/sdcard/sdsim). CS assertion is modelled as a scoped guard:
// Select asserts CS and returns a Guard whose Close deasserts it, mirroring
// the RAII-style bus-session handles used elsewhere in this codebase.
type Transport interface {
	// Select asserts chip-select and returns a guard to release it. Callers
	// must defer guard.Close().
	Select() (Guard, error)

	// Exchange clocks out len(out) bytes and simultaneously clocks in the
	// same number of bytes (full-duplex SPI semantics), without touching CS.
	Exchange(out []byte) (in []byte, err error)

	// SetFastClock switches the bus to its post-initialization clock rate.
	// SPI-mode SD cards must be clocked slowly (<=400kHz) until CMD0/ACMD41
	// initialization completes.
	SetFastClock() error
}

// Guard deasserts chip-select when closed.
type Guard interface {
	Close() error
}
