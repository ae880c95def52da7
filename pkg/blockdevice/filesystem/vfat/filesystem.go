// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vfat provides read-only access to FAT12, FAT16 and FAT32 filesystem images.
package vfat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// FileSystem provides simple way to read files from FAT filesystems.
//
// The reader is meant for verifying freshly built images, not for
// recovering damaged filesystems.
type FileSystem struct {
	sb *SuperBlock
	f  io.ReaderAt

	clusterSize  uint32
	fatOffset    int64
	rootDirStart int64
	rootDirSize  uint32
	dataStart    int64
	maxCluster   uint32

	rawFat []byte
}

// Open reads the boot sector and the first FAT of the filesystem.
func Open(f io.ReaderAt) (*FileSystem, error) {
	sb, err := ReadSuperBlock(f)
	if err != nil {
		return nil, err
	}

	return NewFileSystem(f, sb)
}

// NewFileSystem initializes Filesystem, reads FAT.
func NewFileSystem(f io.ReaderAt, sb *SuperBlock) (*FileSystem, error) {
	fs := &FileSystem{
		sb: sb,
		f:  f,
	}

	sectorSize := int64(sb.SectorSize)

	fs.clusterSize = uint32(sb.SectorsPerCluster) * uint32(sb.SectorSize)
	fs.fatOffset = int64(sb.ReservedSectors) * sectorSize
	fs.rootDirStart = fs.fatOffset + int64(sb.NumFATs)*int64(sb.FATSectors)*sectorSize
	fs.rootDirSize = sb.rootDirSectors() * uint32(sb.SectorSize)
	fs.dataStart = fs.rootDirStart + int64(fs.rootDirSize)
	fs.maxCluster = sb.dataSectors()/uint32(sb.SectorsPerCluster) + 1

	fs.rawFat = make([]byte, int64(sb.FATSectors)*sectorSize)

	if err := readAtFull(fs.f, fs.fatOffset, fs.rawFat); err != nil {
		return nil, fmt.Errorf("error reading FAT: %w", err)
	}

	return fs, nil
}

// Type returns the FAT variant.
func (fs *FileSystem) Type() Type {
	return fs.sb.Type
}

// Label returns the volume label stored in the boot sector.
func (fs *FileSystem) Label() string {
	return fs.sb.Label
}

// VolumeID returns the volume serial number.
func (fs *FileSystem) VolumeID() uint32 {
	return fs.sb.VolumeID
}

// Entry describes a file or a directory.
type Entry struct {
	Name    string
	IsDir   bool
	Size    uint32
	ModTime time.Time

	firstCluster uint32
}

// ReadDir lists the directory at path ("/" for the root directory).
func (fs *FileSystem) ReadDir(p string) ([]Entry, error) {
	dir, err := fs.lookupDir(p)
	if err != nil {
		return nil, err
	}

	return dir.scan()
}

// Open the file as read-only stream on the filesystem.
func (fs *FileSystem) Open(p string) (*File, error) {
	dirPath, name := path.Split(path.Clean("/" + p))

	dir, err := fs.lookupDir(dirPath)
	if err != nil {
		return nil, err
	}

	entries, err := dir.scan()
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !strings.EqualFold(entry.Name, name) {
			continue
		}

		if entry.IsDir {
			return nil, fmt.Errorf("expected file entry, but directory found: %q", p)
		}

		chain, err := fs.fatChain(entry.firstCluster)
		if err != nil {
			return nil, err
		}

		return &File{
			fs:    fs,
			chain: chain,
			size:  entry.Size,
		}, nil
	}

	return nil, os.ErrNotExist
}

// WalkFunc is called for every entry below the root, parents before children.
type WalkFunc func(p string, entry Entry) error

// Walk visits every file and directory of the filesystem.
func (fs *FileSystem) Walk(fn WalkFunc) error {
	return fs.walk("/", fn)
}

func (fs *FileSystem) walk(dirPath string, fn WalkFunc) error {
	entries, err := fs.ReadDir(dirPath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		p := path.Join(dirPath, entry.Name)

		if err = fn(p, entry); err != nil {
			return err
		}

		if entry.IsDir {
			if err = fs.walk(p, fn); err != nil {
				return err
			}
		}
	}

	return nil
}

func (fs *FileSystem) lookupDir(p string) (*directory, error) {
	dir := fs.rootDirectory()

	for _, component := range strings.Split(p, "/") {
		if component == "" {
			continue
		}

		entries, err := dir.scan()
		if err != nil {
			return nil, err
		}

		found := false

		for _, entry := range entries {
			if !strings.EqualFold(entry.Name, component) {
				continue
			}

			if !entry.IsDir {
				return nil, fmt.Errorf("expected directory, but file found: %q", component)
			}

			dir = &directory{
				fs:           fs,
				firstCluster: entry.firstCluster,
			}
			found = true

			break
		}

		if !found {
			return nil, os.ErrNotExist
		}
	}

	return dir, nil
}

func (fs *FileSystem) rootDirectory() *directory {
	if fs.sb.Type == FAT32 {
		return &directory{
			fs:           fs,
			firstCluster: fs.sb.RootCluster,
		}
	}

	return &directory{
		fs:    fs,
		fixed: true,
	}
}

// fatEntry returns the FAT value for the cluster.
func (fs *FileSystem) fatEntry(cluster uint32) (uint32, error) {
	switch fs.sb.Type {
	case FAT12:
		offset := cluster + cluster/2
		if int(offset)+2 > len(fs.rawFat) {
			return 0, fmt.Errorf("cluster %d is out of FAT bounds", cluster)
		}

		val := uint32(binary.LittleEndian.Uint16(fs.rawFat[offset : offset+2]))
		if cluster&1 == 1 {
			return val >> 4, nil
		}

		return val & 0xfff, nil
	case FAT16:
		offset := cluster * 2
		if int(offset)+2 > len(fs.rawFat) {
			return 0, fmt.Errorf("cluster %d is out of FAT bounds", cluster)
		}

		return uint32(binary.LittleEndian.Uint16(fs.rawFat[offset : offset+2])), nil
	default:
		offset := cluster * 4
		if int(offset)+4 > len(fs.rawFat) {
			return 0, fmt.Errorf("cluster %d is out of FAT bounds", cluster)
		}

		return binary.LittleEndian.Uint32(fs.rawFat[offset:offset+4]) & 0x0fffffff, nil
	}
}

func (fs *FileSystem) isEndOfChain(val uint32) bool {
	switch fs.sb.Type {
	case FAT12:
		return val >= 0xff8
	case FAT16:
		return val >= 0xfff8
	default:
		return val >= 0x0ffffff8
	}
}

// fatChain results list of clusters for a file (or directory) based on first
// cluster number and FAT.
func (fs *FileSystem) fatChain(firstCluster uint32) ([]uint32, error) {
	if firstCluster == 0 {
		// empty file
		return nil, nil
	}

	var chain []uint32

	for cluster := firstCluster; ; {
		if cluster < 2 || cluster > fs.maxCluster {
			return nil, fmt.Errorf("invalid cluster %d in FAT chain", cluster)
		}

		if len(chain) > int(fs.maxCluster) {
			return nil, errors.New("loop in FAT chain")
		}

		chain = append(chain, cluster)

		next, err := fs.fatEntry(cluster)
		if err != nil {
			return nil, err
		}

		if next == 0 || fs.isEndOfChain(next) {
			return chain, nil
		}

		cluster = next
	}
}

func (fs *FileSystem) clusterOffset(cluster uint32) int64 {
	return fs.dataStart + int64(cluster-2)*int64(fs.clusterSize)
}

type directory struct {
	fs           *FileSystem
	firstCluster uint32
	fixed        bool
}

func (d *directory) read() ([]byte, error) {
	if d.fixed {
		raw := make([]byte, d.fs.rootDirSize)

		if err := readAtFull(d.fs.f, d.fs.rootDirStart, raw); err != nil {
			return nil, fmt.Errorf("error reading root directory: %w", err)
		}

		return raw, nil
	}

	chain, err := d.fs.fatChain(d.firstCluster)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, uint32(len(chain))*d.fs.clusterSize)

	for i, cluster := range chain {
		if err := readAtFull(d.fs.f, d.fs.clusterOffset(cluster), raw[uint32(i)*d.fs.clusterSize:uint32(i+1)*d.fs.clusterSize]); err != nil {
			return nil, fmt.Errorf("error reading directory contents: %w", err)
		}
	}

	return raw, nil
}

const (
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLFN       = 0x0f

	caseLowerBase = 0x08
	caseLowerExt  = 0x10
)

// scan a directory building list of entries.
//
// Long file names take precedence over the 8.3 name, "." and ".." are skipped.
func (d *directory) scan() ([]Entry, error) {
	raw, err := d.read()
	if err != nil {
		return nil, err
	}

	var (
		entries []Entry
		lfn     string
	)

	for i := 0; i+32 <= len(raw); i += 32 {
		entry := raw[i : i+32]

		if entry[0] == 0 {
			break
		}

		if entry[0] == 0xe5 {
			lfn = ""

			continue
		}

		if entry[11] == attrLFN {
			if entry[0]&0x40 == 0x40 {
				lfn = ""
			}

			lfn = parseLfn(entry) + lfn

			continue
		}

		if entry[11]&attrVolumeID == attrVolumeID {
			lfn = ""

			continue
		}

		name := lfn
		lfn = ""

		if name == "" {
			name = parseShortName(entry)
		}

		if name == "." || name == ".." {
			continue
		}

		entries = append(entries, Entry{
			Name:         name,
			IsDir:        entry[11]&attrDirectory == attrDirectory,
			Size:         binary.LittleEndian.Uint32(entry[28:32]),
			ModTime:      parseDOSTime(binary.LittleEndian.Uint16(entry[24:26]), binary.LittleEndian.Uint16(entry[22:24])),
			firstCluster: uint32(binary.LittleEndian.Uint16(entry[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(entry[26:28])),
		})
	}

	return entries, nil
}

// File represents a VFAT backed file.
type File struct {
	fs     *FileSystem
	chain  []uint32
	offset uint32
	size   uint32
}

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	return int64(f.size)
}

func (f *File) Read(p []byte) (n int, err error) {
	remaining := len(p)
	if uint32(remaining) > f.size-f.offset {
		remaining = int(f.size - f.offset)
		if remaining == 0 {
			err = io.EOF

			return
		}
	}

	for remaining > 0 {
		clusterIdx := f.offset / f.fs.clusterSize
		clusterOffset := f.offset % f.fs.clusterSize

		if clusterIdx >= uint32(len(f.chain)) {
			err = errors.New("FAT chain overrun")

			return
		}

		cluster := f.chain[clusterIdx]
		readLen := f.fs.clusterSize - clusterOffset

		if readLen > uint32(remaining) {
			readLen = uint32(remaining)
		}

		if err = readAtFull(f.fs.f, f.fs.clusterOffset(cluster)+int64(clusterOffset), p[:readLen]); err != nil {
			return
		}

		remaining -= int(readLen)
		n += int(readLen)
		f.offset += readLen

		p = p[readLen:]
	}

	return n, err
}

// Seek sets the offset for the next Read or Write on file to offset, interpreted
// according to whence: 0 means relative to the origin of the file, 1 means
// relative to the current offset, and 2 means relative to the end.
// It returns the new offset and an error, if any.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = uint32(offset)
	case io.SeekCurrent:
		f.offset = uint32(int64(f.offset) + offset)
	case io.SeekEnd:
		f.offset = uint32(int64(f.size) + offset)
	default:
		return 0, fmt.Errorf("unknown whence: %d", whence)
	}

	return int64(f.offset), nil
}

func readAtFull(r io.ReaderAt, off int64, buf []byte) error {
	remaining := len(buf)

	for remaining > 0 {
		n, err := r.ReadAt(buf, off)
		if n == 0 && err != nil {
			return err
		}

		remaining -= n
		off += int64(n)
		buf = buf[n:]
	}

	return nil
}

func parseLfn(entry []byte) string {
	raw := make([]byte, 0, 26)
	raw = append(raw, entry[1:11]...)
	raw = append(raw, entry[14:26]...)
	raw = append(raw, entry[28:32]...)

	parsed := []rune{}

	for i := 0; i < len(raw); i += 2 {
		val := binary.LittleEndian.Uint16(raw[i : i+2])
		if val == 0 || val == 0xffff {
			break
		}

		parsed = append(parsed, rune(val))
	}

	return string(parsed)
}

func parseShortName(entry []byte) string {
	base := []byte(strings.TrimRight(string(entry[0:8]), " "))
	ext := strings.TrimRight(string(entry[8:11]), " ")

	if len(base) > 0 && base[0] == 0x05 {
		base[0] = 0xe5
	}

	name := string(base)

	if entry[12]&caseLowerBase != 0 {
		name = strings.ToLower(name)
	}

	if entry[12]&caseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}

	if ext != "" {
		name += "." + ext
	}

	return name
}

func parseDOSTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}

	return time.Date(
		1980+int(date>>9),
		time.Month((date>>5)&0x0f),
		int(date&0x1f),
		int(tm>>11),
		int((tm>>5)&0x3f),
		int(tm&0x1f)*2,
		0,
		time.UTC,
	)
}
