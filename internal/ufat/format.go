package ufat

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/sdcard"
)

// Format writes a fresh uFAT volume across the whole card, pre-allocating
// numLogs equally-sized contiguous log extents (1 <= numLogs <= MaxLogs).
// All of every log's clusters are linked into the FAT at format time, so a
// host OS mounting the FAT32 view cannot reclaim them as free space.
func Format(card *sdcard.Card, numLogs int, opts ...Option) (*FS, error) {
	if numLogs < 1 || numLogs > MaxLogs {
		return nil, errs.New("ufat.format", errs.ProtocolError, "num_logs out of range")
	}

	desc := card.Descriptor()
	capacity := desc.CapacitySectors
	total := capacity - PartitionStartSector

	fat1Sector := uint32(PartitionStartSector + ReservedSectors)
	secPerFAT := uint32(ceilDiv(ceilDiv(total, SectorsPerCluster), FATEntriesPerSector))
	dataStartSector := fat1Sector + secPerFAT
	rootSector := dataStartSector

	if err := eraseLayoutRegion(card, fat1Sector, secPerFAT, dataStartSector); err != nil {
		return nil, err
	}

	if err := writeMBR(card, capacity, total); err != nil {
		return nil, err
	}
	if err := writeBootSector(card, PartitionStartSector, total, secPerFAT); err != nil {
		return nil, err
	}
	if err := writeBootSector(card, PartitionStartSector+6, total, secPerFAT); err != nil {
		return nil, err
	}

	totalClusters := total / SectorsPerCluster
	available := totalClusters - LogOffsetCluster
	logSizeClusters := uint32(roundNearestMultiple(available/uint64(numLogs), 128))
	logSizeBytes := uint64(logSizeClusters) * ClusterSizeBytes

	entries := make([]LogEntry, numLogs)
	for i := 0; i < numLogs; i++ {
		entries[i] = LogEntry{
			Name:         fmt.Sprintf("LOG-%04d", i),
			StartCluster: LogOffsetCluster + uint32(i)*logSizeClusters,
			SizeClusters: logSizeClusters,
			Size:         0,
		}
	}

	if err := writeRootSector(card, rootSector, numLogs, entries, logSizeClusters); err != nil {
		return nil, err
	}
	if err := writeFATChains(card, fat1Sector, entries); err != nil {
		return nil, err
	}

	f := newFS(card, opts...)
	f.available = true
	f.capacitySectors = capacity
	f.secPerFAT = secPerFAT
	f.fat1Sector = fat1Sector
	f.dataStartSector = dataStartSector
	f.rootSector = rootSector
	f.volumeLabel = "BLUESENSE"
	f.logEntries = entries
	f.logSizeBytes = logSizeBytes

	f.log.Info("ufat formatted", "num_logs", numLogs, "log_size_clusters", logSizeClusters, "log_size_bytes", logSizeBytes)
	return f, nil
}

// eraseLayoutRegion clears the FAT extent and the first few root clusters,
// enough to guarantee a clean mount without an erase of the whole card.
func eraseLayoutRegion(card *sdcard.Card, fat1Sector uint32, secPerFAT uint32, dataStartSector uint32) error {
	end := dataStartSector + 3*SectorsPerCluster - 1
	if err := card.Erase(fat1Sector, end); err != nil {
		return errs.Wrap("ufat.format", errs.CardUnavailable, err)
	}
	return nil
}

func writeMBR(card *sdcard.Card, capacity uint64, total uint64) error {
	var sector [512]byte
	off := PartitionTableOffset
	sector[off] = 0x00 // status: inactive
	sector[off+4] = PartitionType
	binary.LittleEndian.PutUint32(sector[off+8:off+12], PartitionStartSector)
	binary.LittleEndian.PutUint32(sector[off+12:off+16], uint32(total))
	sector[BootSignatureOffset] = 0x55
	sector[BootSignatureOffset+1] = 0xAA
	if err := card.BlockWrite(0, sector[:]); err != nil {
		return errs.Wrap("ufat.format", errs.CardUnavailable, err)
	}
	return nil
}

// Boot sector field offsets, following the FAT32 BPB shape closely enough
// that a host OS can mount the volume, without claiming full compliance.
const (
	bsOffSectorSize   = 11
	bsOffSecPerClust  = 13
	bsOffReserved     = 14
	bsOffNumFATs      = 16
	bsOffHiddenSect   = 28
	bsOffTotalSectors = 32
	bsOffSecPerFAT    = 36
	bsOffRootCluster  = 44
	bsOffFSInfoSector = 48
	bsOffBackupSector = 50
	bsOffVolumeID     = 67
	bsOffFSType       = 82
)

func writeBootSector(card *sdcard.Card, sector uint32, total uint64, secPerFAT uint32) error {
	var buf [512]byte
	binary.LittleEndian.PutUint16(buf[bsOffSectorSize:], 512)
	buf[bsOffSecPerClust] = SectorsPerCluster
	binary.LittleEndian.PutUint16(buf[bsOffReserved:], ReservedSectors)
	buf[bsOffNumFATs] = 1
	binary.LittleEndian.PutUint32(buf[bsOffHiddenSect:], PartitionStartSector)
	binary.LittleEndian.PutUint32(buf[bsOffTotalSectors:], uint32(total))
	binary.LittleEndian.PutUint32(buf[bsOffSecPerFAT:], secPerFAT)
	binary.LittleEndian.PutUint32(buf[bsOffRootCluster:], RootCluster)
	binary.LittleEndian.PutUint16(buf[bsOffFSInfoSector:], 1)
	binary.LittleEndian.PutUint16(buf[bsOffBackupSector:], 6)
	binary.LittleEndian.PutUint32(buf[bsOffVolumeID:], 0xB00B1E5)
	copy(buf[bsOffFSType:], "FAT32   ")
	buf[BootSignatureOffset] = 0x55
	buf[BootSignatureOffset+1] = 0xAA
	if err := card.BlockWrite(sector, buf[:]); err != nil {
		return errs.Wrap("ufat.format", errs.CardUnavailable, err)
	}
	return nil
}

func writeRootSector(card *sdcard.Card, rootSector uint32, numLogs int, entries []LogEntry, logSizeClusters uint32) error {
	var buf [512]byte

	var label record
	label.setName("BLUESENSE")
	label[recOffAttr] = attrVolumeLabel
	copy(buf[0:RecordSize], label[:])

	for i, e := range entries {
		var r record
		r.setName(e.Name)
		r.setStartCluster(e.StartCluster)
		r.setSize(0)
		copy(buf[(i+1)*RecordSize:(i+2)*RecordSize], r[:])
	}

	for i := numLogs; i < MaxLogs; i++ {
		var r record
		r.setDeleted()
		copy(buf[(i+1)*RecordSize:(i+2)*RecordSize], r[:])
	}

	var meta record
	meta.setMetadata(LogOffsetCluster, logSizeClusters, numLogs)
	copy(buf[15*RecordSize:16*RecordSize], meta[:])

	if err := card.BlockWrite(rootSector, buf[:]); err != nil {
		return errs.Wrap("ufat.format", errs.CardUnavailable, err)
	}
	return nil
}

func writeFATChains(card *sdcard.Card, fat1Sector uint32, entries []LogEntry) error {
	fatSectors := map[uint32]*[FATEntriesPerSector]uint32{}
	setEntry := func(cluster uint32, value uint32) {
		sector, offset := fatSectorAndOffset(fat1Sector, cluster)
		buf, ok := fatSectors[sector]
		if !ok {
			buf = &[FATEntriesPerSector]uint32{}
			fatSectors[sector] = buf
		}
		buf[offset/FATChainEntrySize] = value
	}

	setEntry(0, FATEntryReserved)
	setEntry(1, FATEntryEOC)
	setEntry(2, FATEntryEOC)

	for _, e := range entries {
		for c := uint32(0); c < e.SizeClusters; c++ {
			cluster := e.StartCluster + c
			if c == e.SizeClusters-1 {
				setEntry(cluster, FATEntryEOC)
			} else {
				setEntry(cluster, cluster+1)
			}
		}
	}

	sectors := make([]uint32, 0, len(fatSectors))
	for s := range fatSectors {
		sectors = append(sectors, s)
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i] < sectors[j] })

	for _, s := range sectors {
		var buf [512]byte
		fatBuf := fatSectors[s]
		for i, v := range fatBuf {
			binary.LittleEndian.PutUint32(buf[i*FATChainEntrySize:], v)
		}
		if err := card.BlockWrite(s, buf[:]); err != nil {
			return errs.Wrap("ufat.format", errs.CardUnavailable, err)
		}
	}
	return nil
}
