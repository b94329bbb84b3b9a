package sdcard

import (
	"github.com/bluesense-io/bluesense/internal/errs"
)

// Status is the decoded subset of the 64-byte ACMD13 SD Status response
// this driver cares about: the allocation unit size, the erase-offload flag
// and the erase timeout.
type Status struct {
	AUSizeBytes    uint32
	EraseOffload   bool
	EraseTimeoutMs uint32
}

// SDStatus issues ACMD13 and decodes the allocation-unit-size,
// erase-offload and erase-timeout fields. The streaming writer does not
// consult the result.
func (c *Card) SDStatus() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	guard, err := c.tr.Select()
	if err != nil {
		return Status{}, errs.Wrap("sdcard.sd_status", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, err := c.sendAppCmd(acmdSDStatus, 0)
	if err != nil {
		return Status{}, errs.Wrap("sdcard.sd_status", errs.CardUnavailable, err)
	}
	if r1 != 0 {
		return Status{}, errs.New("sdcard.sd_status", errs.CardUnsupported, "ACMD13 rejected")
	}

	var buf [64]byte
	if err := c.readDataBlock(buf[:]); err != nil {
		return Status{}, errs.Wrap("sdcard.sd_status", errs.CardUnavailable, err)
	}

	// AU_SIZE occupies the high nibble of byte 10; values 1-9 map to
	// 16KB..4MB doubling, per the SD Physical Layer status field table.
	auCode := buf[10] >> 4
	var auBytes uint32
	if auCode >= 1 && auCode <= 9 {
		auBytes = 16 * 1024 << (auCode - 1)
	}
	eraseOffload := buf[10]&0x01 != 0
	eraseTimeout := uint32(buf[12])

	return Status{
		AUSizeBytes:    auBytes,
		EraseOffload:   eraseOffload,
		EraseTimeoutMs: eraseTimeout * 1000,
	}, nil
}

