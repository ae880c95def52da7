// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package iso

import (
	"errors"
	"fmt"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

// Partitions are the partition tables of a hybrid image.
type Partitions struct {
	// MBR holds the used entries of the MBR, empty when the image has no MBR.
	MBR []*mbr.Partition
	// GPT is nil when the image has no GPT.
	GPT *gpt.Table
}

// ReadPartitions reads the MBR and the GPT of the image.
//
// An image without any partition table is not an error.
func ReadPartitions(image string) (*Partitions, error) {
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}

	defer d.Close() //nolint:errcheck

	result := &Partitions{}

	table, err := d.GetPartitionTable()
	if err != nil {
		return result, nil //nolint:nilerr
	}

	var mbrTable *mbr.Table

	switch t := table.(type) {
	case *gpt.Table:
		result.GPT = t

		// the GPT takes precedence, the hybrid MBR next to it is read on its own
		if mbrTable, err = mbr.Read(d.Backend, int(d.LogicalBlocksize), int(d.PhysicalBlocksize)); err != nil {
			mbrTable = nil
		}
	case *mbr.Table:
		mbrTable = t
	}

	if mbrTable != nil {
		for _, p := range mbrTable.Partitions {
			if p.Type != mbr.Empty {
				result.MBR = append(result.MBR, p)
			}
		}
	}

	return result, nil
}

// PartitionAt returns the GPT partition starting at the byte offset, nil if there is none.
func (p *Partitions) PartitionAt(offset int64) *gpt.Partition {
	if p.GPT == nil {
		return nil
	}

	for _, part := range p.GPT.Partitions {
		if part.Type != gpt.Unused && part.GetStart() == offset {
			return part
		}
	}

	return nil
}

// VerifyPartitions checks the partition tables of a USB hybrid image against its boot catalog.
//
// The MBR must carry at least one partition, and for an EFI bootable image the GPT
// must expose the EFI boot image as a partition of its own.
func VerifyPartitions(image string, info *BootInfo, opts VerifyOptions) error {
	if !opts.USBHybridBootable {
		return nil
	}

	parts, err := ReadPartitions(image)
	if err != nil {
		return err
	}

	if len(parts.MBR) == 0 {
		return errors.New("hybrid MBR is missing")
	}

	if !opts.EFIBootable {
		return nil
	}

	if parts.GPT == nil {
		return errors.New("GPT is missing")
	}

	for _, entry := range info.Entries {
		if entry.Platform != PlatformEFI {
			continue
		}

		offset := int64(entry.LoadRBA) * sectorSize

		if parts.PartitionAt(offset) == nil {
			return fmt.Errorf("no GPT partition starts at the EFI boot image offset %d", offset)
		}

		return nil
	}

	return errors.New("EFI boot entry is missing")
}
