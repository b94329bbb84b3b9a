//go:build linux

// Package spidev implements internal/sdcard's Transport over a Linux
// /dev/spidev* character device, for driving a real SD card (or a
// USB-SPI/FTDI-backed one) from a host debug build instead of the MCU's
// native SPI peripheral.
package spidev

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bluesense-io/bluesense/internal/sdcard"
)

const spiIOCMagic = 0x6b

// Raw ioctl request codes, computed the same way Linux's _IOW macro does
// (direction<<30 | size<<16 | type<<8 | nr), mirroring linux/spi/spidev.h.
// Hand-encoded rather than pulled from a generated constants package,
// matching the direct ioctl-encoding style used elsewhere in this codebase
// for I2C (internal/transport/i2cbridge).
const (
	iocWrMode        = 1<<30 | 1<<16 | spiIOCMagic<<8 | 1
	iocWrBitsPerWord = 1<<30 | 1<<16 | spiIOCMagic<<8 | 3
)

const transferSize = 32 // sizeof(struct spi_ioc_transfer)

func iocMessage(n int) uintptr {
	size := uintptr(n) * transferSize
	return 1<<30 | size<<16 | spiIOCMagic<<8
}

// transfer mirrors struct spi_ioc_transfer field-for-field.
type transfer struct {
	txBuf          uint64
	rxBuf          uint64
	len            uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// Device is a spidev handle implementing sdcard.Transport.
type Device struct {
	mu sync.Mutex
	fd int

	slowHz, fastHz uint32
	speedHz        uint32
}

// Open opens path (e.g. "/dev/spidev0.0") in SPI mode 0, 8 bits per word,
// clocked at slowHz until SetFastClock switches to fastHz.
func Open(path string, slowHz, fastHz uint32) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", path, err)
	}
	d := &Device{fd: fd, slowHz: slowHz, fastHz: fastHz, speedHz: slowHz}

	mode := uint8(0) // SPI mode 0 (CPOL=0, CPHA=0), what SD cards expect in SPI mode
	if err := d.ioctl(iocWrMode, unsafe.Pointer(&mode)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	bits := uint8(8)
	if err := d.ioctl(iocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

// Close releases the device file descriptor.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Close(d.fd)
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg)); errno != 0 {
		return fmt.Errorf("spidev: ioctl 0x%x: %w", req, errno)
	}
	return nil
}

// SetFastClock implements sdcard.Transport.
func (d *Device) SetFastClock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speedHz = d.fastHz
	return nil
}

type guard struct{ d *Device }

// Select implements sdcard.Transport. CS assertion is deferred to the
// first Exchange call (cs_change=1 on that transfer's ioctl asks the
// kernel to leave the line asserted past the call, per spidev's
// last-transfer cs_change convention); Close issues a filler transfer with
// cs_change=0 to deassert it and supply the trailing clock pulses the SD
// SPI protocol wants after deselecting a card.
func (d *Device) Select() (sdcard.Guard, error) {
	return guard{d}, nil
}

func (g guard) Close() error {
	_, err := g.d.exchange([]byte{0xFF}, false)
	return err
}

// Exchange implements sdcard.Transport.
func (d *Device) Exchange(out []byte) ([]byte, error) {
	return d.exchange(out, true)
}

func (d *Device) exchange(out []byte, keepSelected bool) ([]byte, error) {
	if len(out) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	in := make([]byte, len(out))
	var csChange uint8
	if keepSelected {
		csChange = 1
	}
	xfer := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&out[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&in[0]))),
		len:         uint32(len(out)),
		speedHz:     d.speedHz,
		bitsPerWord: 8,
		csChange:    csChange,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), iocMessage(1), uintptr(unsafe.Pointer(&xfer))); errno != 0 {
		return nil, fmt.Errorf("spidev: SPI_IOC_MESSAGE: %w", errno)
	}
	return in, nil
}

var _ sdcard.Transport = (*Device)(nil)
