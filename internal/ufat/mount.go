package ufat

import (
	"encoding/binary"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/sdcard"
)

// Mount reads the MBR, boot sector, and root directory back off an
// already-formatted card and reconstructs the volume descriptor. Any
// structural mismatch (bad signature, wrong partition type, bad fstype,
// checksum mismatch) is reported as a typed error and leaves the returned
// FS with Available()==false rather than failing outright, mirroring the
// "reformat required" fallback described for the firmware.
func Mount(card *sdcard.Card, opts ...Option) (*FS, error) {
	f := newFS(card, opts...)

	var mbr [512]byte
	if err := card.BlockRead(0, mbr[:]); err != nil {
		return f, errs.Wrap("ufat.init", errs.CardUnavailable, err)
	}
	if mbr[BootSignatureOffset] != 0x55 || mbr[BootSignatureOffset+1] != 0xAA {
		return f, unavailable("ufat.init", "MBR signature mismatch")
	}
	partType := mbr[PartitionTableOffset+4]
	if partType != PartitionType {
		return f, unavailable("ufat.init", "unexpected partition type")
	}
	partitionLBA := binary.LittleEndian.Uint32(mbr[PartitionTableOffset+8 : PartitionTableOffset+12])

	var boot [512]byte
	if err := card.BlockRead(partitionLBA, boot[:]); err != nil {
		return f, errs.Wrap("ufat.init", errs.CardUnavailable, err)
	}
	if boot[BootSignatureOffset] != 0x55 || boot[BootSignatureOffset+1] != 0xAA {
		return f, unavailable("ufat.init", "boot sector signature mismatch")
	}
	if string(boot[bsOffFSType:bsOffFSType+8]) != "FAT32   " {
		return f, unavailable("ufat.init", "unexpected fs type")
	}
	hiddenSectors := binary.LittleEndian.Uint32(boot[bsOffHiddenSect:])
	numFATs := boot[bsOffNumFATs]
	if hiddenSectors != partitionLBA || numFATs != 1 {
		return f, unavailable("ufat.init", "boot sector geometry mismatch")
	}

	secPerFAT := binary.LittleEndian.Uint32(boot[bsOffSecPerFAT:])
	fat1Sector := partitionLBA + ReservedSectors
	dataStartSector := fat1Sector + secPerFAT
	rootSector := dataStartSector

	var rootBuf [512]byte
	if err := card.BlockRead(rootSector, rootBuf[:]); err != nil {
		return f, errs.Wrap("ufat.init", errs.CardUnavailable, err)
	}

	var meta record
	copy(meta[:], rootBuf[15*RecordSize:16*RecordSize])
	if !meta.metaChecksumOK() {
		return f, unavailable("ufat.init", "metadata checksum mismatch")
	}
	numLogs := meta.metaNumLogs()
	logSizeClusters := meta.metaLogSizeClusters()

	entries := make([]LogEntry, 0, numLogs)
	for i := 0; i < numLogs; i++ {
		var r record
		copy(r[:], rootBuf[(i+1)*RecordSize:(i+2)*RecordSize])
		entries = append(entries, LogEntry{
			Name:         r.nameStr(),
			StartCluster: r.startCluster(),
			SizeClusters: logSizeClusters,
			Size:         r.size(),
		})
	}

	var label record
	copy(label[:], rootBuf[0:RecordSize])

	f.available = true
	f.capacitySectors = card.Descriptor().CapacitySectors
	f.secPerFAT = secPerFAT
	f.fat1Sector = fat1Sector
	f.dataStartSector = dataStartSector
	f.rootSector = rootSector
	f.volumeLabel = label.nameStr()
	f.logEntries = entries
	f.logSizeBytes = uint64(logSizeClusters) * ClusterSizeBytes

	f.log.Info("ufat mounted", "log_count", numLogs)
	return f, nil
}

func unavailable(op, msg string) error {
	return errs.New(op, errs.FsUnavailable, msg)
}
