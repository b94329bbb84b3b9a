//go:build linux

// Package i2cbridge implements iochannel's Endpoint over a Linux
// /dev/i2c-* character device's I2C_RDWR ioctl, the host-side stand-in for
// the USB-over-I2C bridge chip the wearable node talks to a paired host
// through.
package i2cbridge

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	i2cRdwrIOCTL = 0x0707 // I2C_RDWR ioctl
	i2cMsgRD     = 0x0001 // i2c_msg flag: read direction

	maxOpsPerSec = 1000 // paces polling to roughly the channel's own tick rate
)

// Register addresses on the bridge MCU: a length register the host polls
// to learn how many bytes are buffered for it, and a data register for the
// transfer itself.
const (
	regRXLevelHi = 0x00
	regRXLevelLo = 0x01
	regRXData    = 0x02
	regTXData    = 0x03
)

// i2cMsg mirrors struct i2c_msg from linux/i2c.h.
type i2cMsg struct {
	addr   uint16
	flags  uint16
	length uint16
	pad    uint16
	buf    uintptr
}

// i2cRdwr mirrors struct i2c_rdwr_ioctl_data from linux/i2c-dev.h.
type i2cRdwr struct {
	msgs  uintptr
	nmsgs uint32
}

// Bridge is an I2C-backed iochannel.Endpoint.
type Bridge struct {
	mu      sync.Mutex
	fd      int
	addr    uint16
	limiter *rate.Limiter
}

// Open opens path (e.g. "/dev/i2c-1") and targets the bridge at the given
// 7-bit address.
func Open(path string, addr uint16) (*Bridge, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2cbridge: open %s: %w", path, err)
	}
	return &Bridge{
		fd:      fd,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(maxOpsPerSec), 4),
	}, nil
}

// Close releases the device file descriptor.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Close(b.fd)
}

// Write implements iochannel.Endpoint: a combined write of [reg, payload...]
// using I2C_RDWR, in one REPEATED-START transaction.
func (b *Bridge) Write(p []byte) (int, error) {
	if err := b.limiter.Wait(context.Background()); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, len(p)+1)
	buf[0] = regTXData
	copy(buf[1:], p)

	msgs := [1]i2cMsg{
		{addr: b.addr, flags: 0, length: uint16(len(buf)), buf: uintptr(unsafe.Pointer(&buf[0]))},
	}
	if err := b.rdwr(msgs[:]); err != nil {
		return 0, err
	}
	return len(p), nil
}

// QueryLevel implements iochannel.Endpoint: reads the two-byte RX-level
// register via a write-then-read REPEATED-START transaction.
func (b *Bridge) QueryLevel() (int, error) {
	if err := b.limiter.Wait(context.Background()); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := [1]byte{regRXLevelHi}
	level := [2]byte{}
	msgs := [2]i2cMsg{
		{addr: b.addr, flags: 0, length: 1, buf: uintptr(unsafe.Pointer(&reg[0]))},
		{addr: b.addr, flags: i2cMsgRD, length: 2, buf: uintptr(unsafe.Pointer(&level[0]))},
	}
	if err := b.rdwr(msgs[:]); err != nil {
		return 0, err
	}
	return int(level[0])<<8 | int(level[1]), nil
}

// Read implements iochannel.Endpoint: reads up to len(p) bytes already
// known (via a prior QueryLevel) to be buffered on the bridge.
func (b *Bridge) Read(p []byte) (int, error) {
	if err := b.limiter.Wait(context.Background()); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := [1]byte{regRXData}
	msgs := [2]i2cMsg{
		{addr: b.addr, flags: 0, length: 1, buf: uintptr(unsafe.Pointer(&reg[0]))},
		{addr: b.addr, flags: i2cMsgRD, length: uint16(len(p)), buf: uintptr(unsafe.Pointer(&p[0]))},
	}
	if err := b.rdwr(msgs[:]); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *Bridge) rdwr(msgs []i2cMsg) error {
	rdwr := i2cRdwr{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), i2cRdwrIOCTL, uintptr(unsafe.Pointer(&rdwr))); errno != 0 {
		return fmt.Errorf("i2cbridge: I2C_RDWR: %w", errno)
	}
	return nil
}
