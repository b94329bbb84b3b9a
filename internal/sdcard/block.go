package sdcard

import (
	"time"

	"github.com/bluesense-io/bluesense/internal/errs"
)

const (
	tokenStartBlock      = 0xFE
	tokenStartMultiBlock = 0xFC
	tokenStopTran        = 0xFD
)

// dataResponse mask/values, per the SD spec's "data response token"
// returned after a card receives a written block.
const (
	dataRespMask     = 0x1F
	dataRespAccepted = 0x05
	dataRespCRCErr   = 0x0B
	dataRespWriteErr = 0x0D
)

// addrArg converts a sector number to the command argument: a byte offset
// for standard-capacity cards, or the sector number itself for SDHC/SDXC.
func (c *Card) addrArg(sector uint32) uint32 {
	if c.highCapacity {
		return sector
	}
	return sector * BlockSize
}

// waitToken polls for a single-byte token (skipping 0xFF filler) within the
// given deadline.
func (c *Card) waitToken(deadline time.Time) (byte, error) {
	for time.Now().Before(deadline) {
		resp, err := c.tr.Exchange([]byte{0xFF})
		if err != nil {
			return 0, err
		}
		if resp[0] != 0xFF {
			return resp[0], nil
		}
	}
	return 0, errNoResponse
}

// waitReady polls until the card reports not-busy (0xFF on MISO) or the
// deadline passes.
func (c *Card) waitReady(deadline time.Time) bool {
	for time.Now().Before(deadline) {
		resp, err := c.tr.Exchange([]byte{0xFF})
		if err != nil {
			return false
		}
		if resp[0] == 0xFF {
			return true
		}
	}
	return false
}

func (c *Card) readDataBlock(dest []byte) error {
	token, err := c.waitToken(time.Now().Add(rwTimeout))
	if err != nil {
		return err
	}
	if token != tokenStartBlock {
		return errs.New("sdcard.read_block", errs.CardUnavailable, "unexpected start token from card")
	}
	resp, err := c.tr.Exchange(make([]byte, len(dest)+2))
	if err != nil {
		return err
	}
	copy(dest, resp[:len(dest)])
	if c.strictCRC {
		got := uint16(resp[len(dest)])<<8 | uint16(resp[len(dest)+1])
		if want := CRC16(dest); got != want {
			return errs.New("sdcard.read_block", errs.ProtocolError, "CRC16 mismatch on data block")
		}
	}
	return nil
}

func (c *Card) readCSD() (CSD, error) {
	var csd CSD
	guard, err := c.tr.Select()
	if err != nil {
		return csd, errs.Wrap("sdcard.send_csd", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, err := c.sendCmd(cmdSendCSD, 0)
	if err != nil {
		return csd, errs.Wrap("sdcard.send_csd", errs.CardUnavailable, err)
	}
	if r1 != 0 {
		return csd, errs.New("sdcard.send_csd", errs.CardUnsupported, "CMD9 rejected")
	}
	if err := c.readDataBlock(csd[:]); err != nil {
		return csd, errs.Wrap("sdcard.send_csd", errs.CardUnavailable, err)
	}
	return csd, nil
}

func (c *Card) readCID() (CID, error) {
	var cid CID
	guard, err := c.tr.Select()
	if err != nil {
		return cid, errs.Wrap("sdcard.send_cid", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, err := c.sendCmd(cmdSendCID, 0)
	if err != nil {
		return cid, errs.Wrap("sdcard.send_cid", errs.CardUnavailable, err)
	}
	if r1 != 0 {
		return cid, errs.New("sdcard.send_cid", errs.CardUnsupported, "CMD10 rejected")
	}
	if err := c.readDataBlock(cid[:]); err != nil {
		return cid, errs.Wrap("sdcard.send_cid", errs.CardUnavailable, err)
	}
	return cid, nil
}

// BlockRead reads one 512-byte sector into dest, which must be at least
// BlockSize bytes.
func (c *Card) BlockRead(sector uint32, dest []byte) error {
	if len(dest) < BlockSize {
		return errs.New("sdcard.read_single_block", errs.ProtocolError, "destination buffer smaller than one block")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	guard, err := c.tr.Select()
	if err != nil {
		c.obs.ObserveRead(0, uint64(time.Since(start)), false)
		return errs.Wrap("sdcard.read_single_block", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, err := c.sendCmd(cmdReadSingleBlock, c.addrArg(sector))
	if err != nil || r1 != 0 {
		c.obs.ObserveRead(0, uint64(time.Since(start)), false)
		return errs.New("sdcard.read_single_block", errs.CardUnavailable, "CMD17 rejected")
	}
	if err := c.readDataBlock(dest[:BlockSize]); err != nil {
		c.obs.ObserveRead(0, uint64(time.Since(start)), false)
		return errs.Wrap("sdcard.read_single_block", errs.CardUnavailable, err)
	}
	c.obs.ObserveRead(BlockSize, uint64(time.Since(start)), true)
	return nil
}

// BlockWrite writes one 512-byte sector from src (CMD24, single-block).
func (c *Card) BlockWrite(sector uint32, src []byte) error {
	if len(src) < BlockSize {
		return errs.New("sdcard.write_block", errs.ProtocolError, "source buffer smaller than one block")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	guard, err := c.tr.Select()
	if err != nil {
		c.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.Wrap("sdcard.write_block", errs.CardUnavailable, err)
	}
	defer guard.Close()

	r1, err := c.sendCmd(cmdWriteBlock, c.addrArg(sector))
	if err != nil || r1 != 0 {
		c.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.New("sdcard.write_block", errs.CardUnavailable, "CMD24 rejected")
	}

	crc := CRC16(src[:BlockSize])
	frame := make([]byte, 0, 1+BlockSize+2)
	frame = append(frame, tokenStartBlock)
	frame = append(frame, src[:BlockSize]...)
	frame = append(frame, byte(crc>>8), byte(crc))
	if _, err := c.tr.Exchange(frame); err != nil {
		c.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.Wrap("sdcard.write_block", errs.CardUnavailable, err)
	}

	resp, err := c.tr.Exchange([]byte{0xFF})
	if err != nil {
		c.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.Wrap("sdcard.write_block", errs.CardUnavailable, err)
	}
	if resp[0]&dataRespMask != dataRespAccepted {
		c.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.New("sdcard.write_block", errs.WriteRejected, "card rejected block (CRC or write error)")
	}

	if !c.waitReady(time.Now().Add(rwTimeout)) {
		c.obs.ObserveWrite(0, uint64(time.Since(start)), false)
		return errs.New("sdcard.write_block", errs.WriteTimeout, "card busy beyond RW_TIMEOUT after block write")
	}
	c.obs.ObserveWrite(BlockSize, uint64(time.Since(start)), true)
	return nil
}

// Erase erases the inclusive sector range [startSector, endSector] via
// CMD32/CMD33/CMD38.
func (c *Card) Erase(startSector, endSector uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	guard, err := c.tr.Select()
	if err != nil {
		c.obs.ObserveErase(uint64(time.Since(start)), false)
		return errs.Wrap("sdcard.erase", errs.CardUnavailable, err)
	}
	defer guard.Close()

	if r1, err := c.sendCmd(cmdEraseBlockStart, c.addrArg(startSector)); err != nil || r1 != 0 {
		c.obs.ObserveErase(uint64(time.Since(start)), false)
		return errs.New("sdcard.erase", errs.CardUnavailable, "CMD32 rejected")
	}
	if r1, err := c.sendCmd(cmdEraseBlockEnd, c.addrArg(endSector)); err != nil || r1 != 0 {
		c.obs.ObserveErase(uint64(time.Since(start)), false)
		return errs.New("sdcard.erase", errs.CardUnavailable, "CMD33 rejected")
	}
	r1, err := c.sendCmd(cmdErase, 0)
	if err != nil || r1 != 0 {
		c.obs.ObserveErase(uint64(time.Since(start)), false)
		return errs.New("sdcard.erase", errs.CardUnavailable, "CMD38 rejected")
	}
	if !c.waitReady(time.Now().Add(eraseTimeout)) {
		c.obs.ObserveErase(uint64(time.Since(start)), false)
		return errs.New("sdcard.erase", errs.WriteTimeout, "card busy beyond ERASE_TIMEOUT")
	}
	c.obs.ObserveErase(uint64(time.Since(start)), true)
	return nil
}
