package sdcard

import (
	"time"

	"github.com/bluesense-io/bluesense/internal/errs"
)

// WriteSession is an open CMD25 multi-block write transaction: chip-select
// stays asserted across a run of blocks so the streaming writer can hide a
// card's program-busy latency behind the next block's assembly instead of
// paying a command round-trip per block.
type WriteSession struct {
	card        *Card
	guard       Guard
	nextSector  uint32
}

// OpenWriteMulti issues ACMD23 (pre-erase hint, skipped if preEraseBlocks is
// zero) and CMD25, then holds the bus open for a run of WriteBlock calls.
func (c *Card) OpenWriteMulti(startSector uint32, preEraseBlocks uint32) (*WriteSession, error) {
	c.mu.Lock()

	guard, err := c.tr.Select()
	if err != nil {
		c.mu.Unlock()
		return nil, errs.Wrap("sdcard.write_multiple_block", errs.CardUnavailable, err)
	}

	if preEraseBlocks > 0 {
		if r1, err := c.sendAppCmd(acmdSetWrBlockEraseCt, preEraseBlocks); err != nil || r1 != 0 {
			guard.Close()
			c.mu.Unlock()
			return nil, errs.New("sdcard.write_multiple_block", errs.CardUnavailable, "ACMD23 rejected")
		}
	}

	r1, err := c.sendCmd(cmdWriteMultiBlock, c.addrArg(startSector))
	if err != nil || r1 != 0 {
		guard.Close()
		c.mu.Unlock()
		return nil, errs.New("sdcard.write_multiple_block", errs.CardUnavailable, "CMD25 rejected")
	}

	return &WriteSession{card: c, guard: guard, nextSector: startSector}, nil
}

// WriteBlock sends one 512-byte block with the multi-block start token and
// trailing CRC16, and returns whether the card's data-response token
// indicates acceptance. It does not wait for the card to leave the busy
// state afterward — callers that want to overlap the next block's assembly
// with this block's program time should poll readiness with PollReady
// instead of blocking here.
func (s *WriteSession) WriteBlock(data []byte) (accepted bool, err error) {
	if len(data) < BlockSize {
		return false, errs.New("sdcard.write_multiple_block", errs.ProtocolError, "block shorter than BlockSize")
	}
	crc := CRC16(data[:BlockSize])
	frame := make([]byte, 0, 1+BlockSize+2)
	frame = append(frame, tokenStartMultiBlock)
	frame = append(frame, data[:BlockSize]...)
	frame = append(frame, byte(crc>>8), byte(crc))
	if _, err := s.card.tr.Exchange(frame); err != nil {
		return false, errs.Wrap("sdcard.write_multiple_block", errs.CardUnavailable, err)
	}

	resp, err := s.card.tr.Exchange([]byte{0xFF})
	if err != nil {
		return false, errs.Wrap("sdcard.write_multiple_block", errs.CardUnavailable, err)
	}
	s.nextSector++
	return resp[0]&dataRespMask == dataRespAccepted, nil
}

// PollReady takes one non-blocking look at the card's busy line, returning
// true once it has gone not-busy. Call it on successive ticks until it
// returns true rather than blocking the caller on a single long wait.
func (s *WriteSession) PollReady() (ready bool, err error) {
	resp, err := s.card.tr.Exchange([]byte{0xFF})
	if err != nil {
		return false, errs.Wrap("sdcard.write_multiple_block", errs.CardUnavailable, err)
	}
	return resp[0] == 0xFF, nil
}

// NextSector reports the sector that the next WriteBlock call will land on.
func (s *WriteSession) NextSector() uint32 { return s.nextSector }

// Close sends the stop-tran token, waits (blocking, bounded by RW_TIMEOUT)
// for the card to finish programming the final block, and releases the
// bus. It is the one point in a multi-block write where the driver is
// allowed to block, since there is no further block to assemble while
// waiting.
func (s *WriteSession) Close() error {
	defer s.card.mu.Unlock()
	defer s.guard.Close()

	if _, err := s.card.tr.Exchange([]byte{tokenStopTran}); err != nil {
		return errs.Wrap("sdcard.write_multiple_block", errs.CardUnavailable, err)
	}
	// One byte stuffing period is mandatory per the SD spec before the busy
	// signal becomes valid after the stop token.
	if _, err := s.card.tr.Exchange([]byte{0xFF}); err != nil {
		return errs.Wrap("sdcard.write_multiple_block", errs.CardUnavailable, err)
	}
	if !s.card.waitReady(time.Now().Add(rwTimeout)) {
		return errs.New("sdcard.write_multiple_block", errs.WriteTimeout, "card busy beyond RW_TIMEOUT after stop token")
	}
	return nil
}
