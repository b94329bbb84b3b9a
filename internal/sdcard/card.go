// Package sdcard implements an SPI-mode SD/SDHC/SDXC card block driver:
// command framing and CRC7, the CMD0/CMD8/ACMD41/CMD58 initialization
// sequence, single-block read/write, erase, and the low-level CMD25
// multi-block primitives the streaming writer drives directly.
package sdcard

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/logging"
	"github.com/bluesense-io/bluesense/internal/metrics"
)

// BlockSize is the fixed SD block size this driver operates on. Cards
// reporting a different native block size are rejected during Init.
const BlockSize = 512

// Timeouts, derived from the SD Physical Layer spec's worst-case figures.
const (
	initTimeout  = 1 * time.Second
	cmdTimeout   = 500 * time.Millisecond
	rwTimeout    = 1500 * time.Millisecond
	eraseTimeout = 15 * time.Second
)

var errNoResponse = errors.New("sdcard: no response from card")

// Card is a handle to one initialized SD card.
type Card struct {
	tr      Transport
	log     *logging.Logger
	obs     metrics.Observer
	limiter *rate.Limiter

	mu sync.Mutex

	strictCRC bool

	highCapacity    bool
	capacitySectors uint64

	cid CID
	csd CSD
}

// Option configures a Card at construction time.
type Option func(*Card)

// WithLogger attaches a logger; defaults to the package logger if omitted.
func WithLogger(l *logging.Logger) Option {
	return func(c *Card) { c.log = l }
}

// WithObserver attaches a metrics observer; defaults to a no-op.
func WithObserver(o metrics.Observer) Option {
	return func(c *Card) { c.obs = o }
}

// WithStrictCRC enables CRC16 validation of the trailer on every block
// read. Off by default: most SPI-mode hosts never enable CRC checking on
// the wire and pay its cost on every read, but a host driving a marginal
// bus (long leads, high clock) can turn it on to trade throughput for a
// detectable-corruption guarantee.
func WithStrictCRC(strict bool) Option {
	return func(c *Card) { c.strictCRC = strict }
}

// New constructs a Card over the given transport. Init must be called
// before any block operation.
func New(tr Transport, opts ...Option) *Card {
	c := &Card{
		tr:      tr,
		log:     logging.Default(),
		obs:     metrics.NoOpObserver{},
		limiter: rate.NewLimiter(rate.Every(2*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Descriptor summarizes the card's identity and geometry, as surfaced to
// the mode dispatcher's status/identify operation.
type Descriptor struct {
	HighCapacity    bool
	CapacitySectors uint64
	CID             CID
	CSD             CSD
}

// Descriptor returns the card's identity, valid only after a successful
// Init.
func (c *Card) Descriptor() Descriptor {
	return Descriptor{
		HighCapacity:    c.highCapacity,
		CapacitySectors: c.capacitySectors,
		CID:             c.cid,
		CSD:             c.csd,
	}
}

// Init performs the CMD0/CMD8/ACMD41/CMD58/CMD9/CMD10 initialization
// sequence. It must be called with the bus clocked at or below 400kHz;
// on success it switches the transport to its fast clock.
func (c *Card) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The SD spec requires >=74 clock cycles with CS high and MOSI high
	// before the first command.
	if _, err := c.tr.Exchange(make([]byte, 10)); err != nil {
		return errs.Wrap("sdcard.init", errs.CardUnavailable, err)
	}

	if err := c.goIdle(); err != nil {
		return err
	}

	v2, err := c.sendIfCond()
	if err != nil {
		return err
	}

	if err := c.initOpCond(v2); err != nil {
		return err
	}

	ccs, err := c.readOCR()
	if err != nil {
		return err
	}
	c.highCapacity = ccs

	if !c.highCapacity {
		guard, err := c.tr.Select()
		if err != nil {
			return errs.Wrap("sdcard.init", errs.CardUnavailable, err)
		}
		r1, err := c.sendCmd(cmdSetBlockLen, BlockSize)
		guard.Close()
		if err != nil {
			return errs.Wrap("sdcard.init", errs.CardUnavailable, err)
		}
		if r1 != 0 {
			return errs.New("sdcard.init", errs.CardUnsupported, "card rejected fixed 512-byte block length")
		}
	}

	csd, err := c.readCSD()
	if err != nil {
		return err
	}
	c.csd = csd
	c.capacitySectors = csd.CapacitySectors()

	cid, err := c.readCID()
	if err != nil {
		return err
	}
	c.cid = cid

	if err := c.tr.SetFastClock(); err != nil {
		return errs.Wrap("sdcard.init", errs.CardUnavailable, err)
	}

	c.log.Info("sd card initialized", "high_capacity", c.highCapacity, "sectors", c.capacitySectors)
	return nil
}

func (c *Card) goIdle() error {
	deadline := time.Now().Add(initTimeout)
	for time.Now().Before(deadline) {
		guard, err := c.tr.Select()
		if err != nil {
			return errs.Wrap("sdcard.go_idle_state", errs.CardUnavailable, err)
		}
		r1, err := c.sendCmd(cmdGoIdleState, 0)
		guard.Close()
		if err != nil {
			return errs.Wrap("sdcard.go_idle_state", errs.CardUnavailable, err)
		}
		if r1 == r1InIdleState {
			return nil
		}
		time.Sleep(1 * time.Millisecond)
	}
	return errs.New("sdcard.go_idle_state", errs.CardUnavailable, "card did not respond to CMD0")
}

// sendIfCond issues CMD8 to distinguish v1 (no CMD8 support, illegal
// command) cards from v2+ cards, returning true if the card echoed the
// voltage-check pattern (and so is eligible for the HCS bit in ACMD41).
func (c *Card) sendIfCond() (v2 bool, err error) {
	guard, err := c.tr.Select()
	if err != nil {
		return false, errs.Wrap("sdcard.send_if_cond", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, trailer, err := c.sendCmdR7(cmdSendIfCond, 0x1AA)
	if err != nil {
		return false, errs.Wrap("sdcard.send_if_cond", errs.CardUnavailable, err)
	}
	if r1&r1IllegalCommand != 0 {
		return false, nil // v1 card
	}
	if trailer[2] != 0x01 || trailer[3] != 0xAA {
		return false, errs.New("sdcard.send_if_cond", errs.CardUnsupported, "voltage check pattern mismatch")
	}
	return true, nil
}

// initOpCond drives ACMD41 until the card leaves idle state, throttled by
// the card's retry limiter so a wedged card doesn't spin the bus at full
// clock indefinitely.
func (c *Card) initOpCond(hcs bool) error {
	var arg uint32
	if hcs {
		arg = 1 << 30
	}
	deadline := time.Now().Add(initTimeout)
	for time.Now().Before(deadline) {
		c.limiter.Wait(context.Background())
		guard, err := c.tr.Select()
		if err != nil {
			return errs.Wrap("sdcard.sd_send_op_cond", errs.CardUnavailable, err)
		}
		r1, err := c.sendAppCmd(acmdSDSendOpCond, arg)
		guard.Close()
		if err != nil {
			return errs.Wrap("sdcard.sd_send_op_cond", errs.CardUnavailable, err)
		}
		if r1 == 0 {
			return nil
		}
		if r1&r1IllegalCommand != 0 {
			return errs.New("sdcard.sd_send_op_cond", errs.CardUnsupported, "card does not support ACMD41 (not an SD card)")
		}
	}
	return errs.New("sdcard.sd_send_op_cond", errs.CardUnavailable, "card never left idle state")
}

func (c *Card) readOCR() (highCapacity bool, err error) {
	guard, err := c.tr.Select()
	if err != nil {
		return false, errs.Wrap("sdcard.read_ocr", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, trailer, err := c.sendCmdR7(cmdReadOCR, 0)
	if err != nil {
		return false, errs.Wrap("sdcard.read_ocr", errs.CardUnavailable, err)
	}
	if r1 != 0 {
		return false, errs.New("sdcard.read_ocr", errs.CardUnsupported, "CMD58 rejected")
	}
	return trailer[0]&0x40 != 0, nil // CCS bit
}
