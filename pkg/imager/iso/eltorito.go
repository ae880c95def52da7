// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package iso

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	sectorSize = 2048

	pvdSector        = 16
	bootRecordSector = 17

	elToritoID = "EL TORITO SPECIFICATION"
)

// Platform is the El Torito platform ID.
type Platform uint8

// Platform values.
const (
	PlatformBIOS Platform = 0x00
	PlatformEFI  Platform = 0xef
)

func (p Platform) String() string {
	switch p {
	case PlatformBIOS:
		return "bios"
	case PlatformEFI:
		return "efi"
	default:
		return fmt.Sprintf("0x%02x", uint8(p))
	}
}

// BootEntry is an entry of the El Torito boot catalog.
type BootEntry struct {
	Platform    Platform
	Bootable    bool
	NoEmulation bool
	LoadSectors uint16
	LoadRBA     uint32
}

// BootInfo describes the boot structures of an image.
type BootInfo struct {
	VolumeID   string
	CatalogLBA uint32
	Entries    []BootEntry
}

// Inspect parses the primary volume descriptor and the El Torito boot catalog of the image.
//
//nolint:gocyclo
func Inspect(r io.ReaderAt) (*BootInfo, error) {
	info := &BootInfo{}

	pvd := make([]byte, sectorSize)

	if _, err := r.ReadAt(pvd, pvdSector*sectorSize); err != nil {
		return nil, fmt.Errorf("error reading primary volume descriptor: %w", err)
	}

	if pvd[0] != 1 || string(pvd[1:6]) != "CD001" {
		return nil, errors.New("primary volume descriptor not found")
	}

	info.VolumeID = string(bytes.TrimRight(pvd[40:72], " "))

	br := make([]byte, sectorSize)

	if _, err := r.ReadAt(br, bootRecordSector*sectorSize); err != nil {
		return nil, fmt.Errorf("error reading boot record: %w", err)
	}

	if br[0] != 0 || string(br[1:6]) != "CD001" || string(bytes.TrimRight(br[7:39], "\x00")) != elToritoID {
		// no boot record, not bootable from optical media
		return info, nil
	}

	info.CatalogLBA = binary.LittleEndian.Uint32(br[0x47:0x4b])

	catalog := make([]byte, sectorSize)

	if _, err := r.ReadAt(catalog, int64(info.CatalogLBA)*sectorSize); err != nil {
		return nil, fmt.Errorf("error reading boot catalog: %w", err)
	}

	entries, err := parseCatalog(catalog)
	if err != nil {
		return nil, err
	}

	info.Entries = entries

	return info, nil
}

func parseCatalog(catalog []byte) ([]BootEntry, error) {
	validation := catalog[0:32]

	if validation[0] != 0x01 || validation[30] != 0x55 || validation[31] != 0xaa {
		return nil, errors.New("invalid boot catalog validation entry")
	}

	var sum uint16

	for i := 0; i < 32; i += 2 {
		sum += binary.LittleEndian.Uint16(validation[i : i+2])
	}

	if sum != 0 {
		return nil, errors.New("boot catalog validation entry checksum mismatch")
	}

	entries := []BootEntry{parseBootEntry(catalog[32:64], Platform(validation[1]))}

	for off := 64; off+32 <= len(catalog); {
		header := catalog[off : off+32]

		if header[0] != 0x90 && header[0] != 0x91 {
			break
		}

		platform := Platform(header[1])
		count := int(binary.LittleEndian.Uint16(header[2:4]))

		off += 32

		for range count {
			if off+32 > len(catalog) {
				return nil, errors.New("boot catalog section exceeds catalog sector")
			}

			entries = append(entries, parseBootEntry(catalog[off:off+32], platform))

			off += 32
		}

		if header[0] == 0x91 {
			break
		}
	}

	return entries, nil
}

func parseBootEntry(entry []byte, platform Platform) BootEntry {
	return BootEntry{
		Platform:    platform,
		Bootable:    entry[0] == 0x88,
		NoEmulation: entry[1]&0x0f == 0,
		LoadSectors: binary.LittleEndian.Uint16(entry[6:8]),
		LoadRBA:     binary.LittleEndian.Uint32(entry[8:12]),
	}
}
