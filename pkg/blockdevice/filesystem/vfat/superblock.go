// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vfat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Type is the FAT variant, derived from the number of data clusters.
type Type int

// Type values.
const (
	FAT12 Type = 12
	FAT16 Type = 16
	FAT32 Type = 32
)

func (t Type) String() string {
	return fmt.Sprintf("FAT%d", int(t))
}

// SuperBlock is the parsed BIOS parameter block of a FAT filesystem.
type SuperBlock struct {
	SectorSize        uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors      uint32
	FATSectors        uint32
	RootCluster       uint32
	VolumeID          uint32
	Label             string

	Type Type
}

const bootSectorSize = 512

// ReadSuperBlock reads and validates the boot sector.
//
//nolint:gocyclo
func ReadSuperBlock(r io.ReaderAt) (*SuperBlock, error) {
	buf := make([]byte, bootSectorSize)

	if err := readAtFull(r, 0, buf); err != nil {
		return nil, fmt.Errorf("error reading boot sector: %w", err)
	}

	if buf[510] != 0x55 || buf[511] != 0xaa {
		return nil, errors.New("boot sector signature not found")
	}

	sb := &SuperBlock{
		SectorSize:        binary.LittleEndian.Uint16(buf[0x0b:0x0d]),
		SectorsPerCluster: buf[0x0d],
		ReservedSectors:   binary.LittleEndian.Uint16(buf[0x0e:0x10]),
		NumFATs:           buf[0x10],
		RootEntries:       binary.LittleEndian.Uint16(buf[0x11:0x13]),
		TotalSectors:      uint32(binary.LittleEndian.Uint16(buf[0x13:0x15])),
		FATSectors:        uint32(binary.LittleEndian.Uint16(buf[0x16:0x18])),
	}

	if sb.TotalSectors == 0 {
		sb.TotalSectors = binary.LittleEndian.Uint32(buf[0x20:0x24])
	}

	switch sb.SectorSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("invalid sector size %d", sb.SectorSize)
	}

	if sb.SectorsPerCluster == 0 || sb.NumFATs == 0 {
		return nil, errors.New("invalid BIOS parameter block")
	}

	if sb.FATSectors == 0 {
		// FAT32 extended BPB
		sb.FATSectors = binary.LittleEndian.Uint32(buf[0x24:0x28])
		sb.RootCluster = binary.LittleEndian.Uint32(buf[0x2c:0x30])
		sb.VolumeID = binary.LittleEndian.Uint32(buf[0x43:0x47])
		sb.Label = strings.TrimRight(string(buf[0x47:0x52]), " ")
	} else {
		sb.VolumeID = binary.LittleEndian.Uint32(buf[0x27:0x2b])
		sb.Label = strings.TrimRight(string(buf[0x2b:0x36]), " ")
	}

	if sb.FATSectors == 0 {
		return nil, errors.New("FAT size is zero")
	}

	clusters := sb.dataSectors() / uint32(sb.SectorsPerCluster)

	switch {
	case clusters < 4085:
		sb.Type = FAT12
	case clusters < 65525:
		sb.Type = FAT16
	default:
		sb.Type = FAT32
	}

	return sb, nil
}

func (sb *SuperBlock) rootDirSectors() uint32 {
	return (uint32(sb.RootEntries)*32 + uint32(sb.SectorSize) - 1) / uint32(sb.SectorSize)
}

func (sb *SuperBlock) dataSectors() uint32 {
	meta := uint32(sb.ReservedSectors) + uint32(sb.NumFATs)*sb.FATSectors + sb.rootDirSectors()

	if meta > sb.TotalSectors {
		return 0
	}

	return sb.TotalSectors - meta
}
