package vhd

import (
	"encoding/binary"
	"fmt"

	bitset "github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/lingedeng/govhd/disk"
	"github.com/lingedeng/govhd/util"
)

// sparseExtent is the dynamic/differencing payload engine: a BAT of
// block pointers, a one-block bitmap cache, and (for a differencing
// image) a parent to fall back to for unallocated sectors.
type sparseExtent struct {
	file     util.File
	filePath string
	header   Header
	bat      *BAT

	cachedBlockIndex  int
	cachedBitmap      *bitset.BitSet
	cachedBitmapDirty bool

	nextBlockPos int64
	bitmapSize   int64
	bitsPerBlock uint

	parent disk.Image
}

const noBlockCached = -1

// bitmapFromSectors decodes an on-disk sector bitmap. Bit k of the
// block lives in byte k/8, most significant bit first.
func bitmapFromSectors(raw []byte, nbits uint) *bitset.BitSet {
	bs := bitset.New(nbits)
	for k := uint(0); k < nbits; k++ {
		if raw[k/8]&(0x80>>(k%8)) != 0 {
			bs.Set(k)
		}
	}
	return bs
}

// bitmapToSectors is the inverse of bitmapFromSectors, padded with
// zeros up to the sector-aligned on-disk bitmap size.
func bitmapToSectors(bs *bitset.BitSet, nbits uint, size int64) []byte {
	raw := make([]byte, size)
	for k, ok := bs.NextSet(0); ok && k < nbits; k, ok = bs.NextSet(k + 1) {
		raw[k/8] |= 0x80 >> (k % 8)
	}
	return raw
}

func openSparseExtent(file util.File, filePath string, dataOffset int64) (*sparseExtent, error) {
	header, err := ReadHeader(file, dataOffset)
	if err != nil {
		return nil, err
	}

	fileSize, err := file.Size()
	if err != nil {
		return nil, errIO(err)
	}
	if int64(header.TableOffset) > fileSize {
		return nil, ErrKind(InvalidSparseHeaderOffset)
	}

	bat, err := ReadBAT(file, int64(header.TableOffset), header.MaxBATSize)
	if err != nil {
		return nil, err
	}

	bitsPerBlock := uint(header.BlockSize / SectorSize)
	bitmapSize := int64(roundUpSector(ceilDiv(uint64(bitsPerBlock), 8)))

	return &sparseExtent{
		file:             file,
		filePath:         filePath,
		header:           header,
		bat:              bat,
		cachedBlockIndex: noBlockCached,
		nextBlockPos:     fileSize - SectorSize,
		bitmapSize:       bitmapSize,
		bitsPerBlock:     bitsPerBlock,
	}, nil
}

// createSparseExtent creates a fresh dynamic or differencing image
// file. parentFooter/parentFileName/parentAbsPath/parentRelPath are
// all zero-valued for a root dynamic image.
func createSparseExtent(file util.File, filePath string, footer Footer, parent disk.Image, parentFooter *Footer, parentFileName, parentAbsPath, parentRelPath string) (*sparseExtent, error) {
	header := CreateHeader(footer.CurrentSize, DefaultTableOffset, DefaultBlockSize, parentFooter, parentFileName, parentAbsPath, parentRelPath)
	bat := NewBAT(header.MaxBATSize)
	bitsPerBlock := uint(header.BlockSize / SectorSize)
	bitmapSize := int64(roundUpSector(ceilDiv(uint64(bitsPerBlock), 8)))

	if err := header.Write(file, DefaultHeaderOffset); err != nil {
		return nil, err
	}

	batSize, err := bat.Write(file, DefaultTableOffset)
	if err != nil {
		return nil, err
	}
	nextBlockPos := int64(DefaultTableOffset) + int64(batSize)

	if parentFooter != nil {
		if _, err := header.WriteLocator(file, nextBlockPos, parentAbsPath); err != nil {
			return nil, err
		}
		if _, err := header.WriteLocator(file, nextBlockPos+SectorSize, parentRelPath); err != nil {
			return nil, err
		}
		nextBlockPos += 2 * SectorSize
	}

	se := &sparseExtent{
		file:             file,
		filePath:         filePath,
		header:           header,
		bat:              bat,
		cachedBlockIndex: noBlockCached,
		nextBlockPos:     nextBlockPos,
		bitmapSize:       bitmapSize,
		bitsPerBlock:     bitsPerBlock,
		parent:           parent,
	}

	if err := se.WriteFooter(footer); err != nil {
		return nil, err
	}

	return se, nil
}

// SetParent attaches the opened parent image, once the caller has
// resolved and opened it by the locator paths recorded in the header.
func (s *sparseExtent) SetParent(p disk.Image) { s.parent = p }

func (s *sparseExtent) ReadAt(p []byte, off int64) (int, error) {
	var read int
	for len(p) > 0 {
		n, err := s.readBlock(off, p)
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, ErrKind(UnexpectedEOD)
		}
		p = p[n:]
		off += int64(n)
		read += n
	}
	return read, nil
}

func (s *sparseExtent) WriteAt(p []byte, off int64) (int, error) {
	var written int
	for len(p) > 0 {
		n, err := s.writeBlock(off, p)
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, ErrKind(WriteZero)
		}
		p = p[n:]
		off += int64(n)
		written += n
	}
	return written, nil
}

func (s *sparseExtent) readFromParent(buf []byte, off int64) error {
	if s.parent == nil {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	_, err := s.parent.ReadAt(buf, off)
	return err
}

// populateBlockBitmap ensures the bitmap cache reflects blockIndex,
// unless the block is unallocated (absent=true), in which case the
// cache is left untouched.
func (s *sparseExtent) populateBlockBitmap(blockIndex int) (absent bool, err error) {
	id, err := s.bat.Get(blockIndex)
	if err != nil {
		return false, err
	}
	if id == blockUnused {
		return true, nil
	}
	// A pointer into the metadata region means the table is corrupt.
	minSector := uint32((s.header.TableOffset + roundUpSector(uint64(s.header.MaxBATSize)*4)) / SectorSize)
	if id < minSector {
		return false, errUnexpectedBlockID(blockIndex, id)
	}
	if s.cachedBlockIndex == blockIndex {
		return false, nil
	}

	if err := s.saveCachedBitmap(); err != nil {
		return false, err
	}

	buf := make([]byte, s.bitmapSize)
	if _, err := s.file.ReadAt(buf, int64(id)*SectorSize); err != nil {
		return false, errIO(err)
	}

	s.cachedBitmap = bitmapFromSectors(buf, s.bitsPerBlock)
	s.cachedBlockIndex = blockIndex
	s.cachedBitmapDirty = false
	return false, nil
}

func (s *sparseExtent) saveCachedBitmap() error {
	if !s.cachedBitmapDirty || s.cachedBlockIndex == noBlockCached {
		return nil
	}

	id, err := s.bat.Get(s.cachedBlockIndex)
	if err != nil {
		return err
	}

	raw := bitmapToSectors(s.cachedBitmap, s.bitsPerBlock, s.bitmapSize)
	if _, err := s.file.WriteAt(raw, int64(id)*SectorSize); err != nil {
		return errIO(err)
	}
	s.cachedBitmapDirty = false
	return nil
}

// allocateBlock implements the block-allocation procedure: it is
// readable after any single completed write, because a block only
// becomes visible once its BAT entry is persisted, and a freshly
// allocated block's bitmap is always zero until a write sets bits in
// it.
func (s *sparseExtent) allocateBlock(i int) error {
	if s.cachedBitmapDirty && s.cachedBlockIndex != i {
		if err := s.saveCachedBitmap(); err != nil {
			return err
		}
	}

	s.cachedBitmap = bitset.New(s.bitsPerBlock)
	s.cachedBlockIndex = i
	s.cachedBitmapDirty = false

	blockPos := s.nextBlockPos
	fileSize, err := s.file.Size()
	if err != nil {
		return errIO(err)
	}

	s.nextBlockPos = blockPos + s.bitmapSize + int64(s.header.BlockSize)

	if blockPos < fileSize {
		if _, err := s.file.WriteAt(make([]byte, SectorSize), blockPos); err != nil {
			return errIO(err)
		}
	}

	if _, err := s.file.WriteAt([]byte{0}, s.nextBlockPos-1); err != nil {
		return errIO(err)
	}

	blockSector := uint32(blockPos / SectorSize)
	if err := s.bat.Set(i, blockSector); err != nil {
		return err
	}

	entry := make([]byte, 4)
	binary.BigEndian.PutUint32(entry, blockSector)
	if _, err := s.file.WriteAt(entry, int64(s.header.TableOffset)+int64(i)*4); err != nil {
		return errIO(err)
	}

	logrus.WithFields(logrus.Fields{
		"block": i, "sector": blockSector, "file": s.filePath,
	}).Debug("vhd: allocated block")

	return nil
}

func (s *sparseExtent) readBlock(offset int64, p []byte) (int, error) {
	blockSize := int64(s.header.BlockSize)
	blockIndex := int(offset / blockSize)
	offsetInBlock := offset % blockSize

	length := int64(len(p))
	if remaining := blockSize - offsetInBlock; length > remaining {
		length = remaining
	}

	absent, err := s.populateBlockBitmap(blockIndex)
	if err != nil {
		return 0, err
	}
	if absent {
		if err := s.readFromParent(p[:length], offset); err != nil {
			return 0, err
		}
		return int(length), nil
	}

	id, err := s.bat.Get(blockIndex)
	if err != nil {
		return 0, err
	}

	sectorInBlock := uint(offsetInBlock / SectorSize)
	offsetInSector := offsetInBlock % SectorSize

	if offsetInSector != 0 || length < SectorSize {
		runLen := SectorSize - offsetInSector
		if runLen > length {
			runLen = length
		}
		if s.cachedBitmap.Test(sectorInBlock) {
			pos := (int64(id)+int64(sectorInBlock))*SectorSize + s.bitmapSize + offsetInSector
			if _, err := s.file.ReadAt(p[:runLen], pos); err != nil {
				return 0, errIO(err)
			}
		} else {
			pos := int64(blockIndex)*blockSize + int64(sectorInBlock)*SectorSize + offsetInSector
			if err := s.readFromParent(p[:runLen], pos); err != nil {
				return 0, err
			}
		}
		return int(runLen), nil
	}

	bit := s.cachedBitmap.Test(sectorInBlock)
	maxSectors := length / SectorSize
	runSectors := uint(1)
	for runSectors < uint(maxSectors) &&
		sectorInBlock+runSectors < s.bitsPerBlock &&
		s.cachedBitmap.Test(sectorInBlock+runSectors) == bit {
		runSectors++
	}
	runBytes := int64(runSectors) * SectorSize

	if bit {
		pos := (int64(id)+int64(sectorInBlock))*SectorSize + s.bitmapSize
		if _, err := s.file.ReadAt(p[:runBytes], pos); err != nil {
			return 0, errIO(err)
		}
	} else {
		pos := int64(blockIndex)*blockSize + int64(sectorInBlock)*SectorSize
		if err := s.readFromParent(p[:runBytes], pos); err != nil {
			return 0, err
		}
	}
	return int(runBytes), nil
}

func (s *sparseExtent) writeBlock(offset int64, data []byte) (int, error) {
	blockSize := int64(s.header.BlockSize)
	blockIndex := int(offset / blockSize)
	offsetInBlock := offset % blockSize

	length := int64(len(data))
	if remaining := blockSize - offsetInBlock; length > remaining {
		length = remaining
	}
	if length == 0 {
		return 0, nil
	}

	absent, err := s.populateBlockBitmap(blockIndex)
	if err != nil {
		return 0, err
	}
	if absent {
		if err := s.allocateBlock(blockIndex); err != nil {
			return 0, err
		}
	}

	id, err := s.bat.Get(blockIndex)
	if err != nil {
		return 0, err
	}

	sectorInBlock := uint(offsetInBlock / SectorSize)
	offsetInSector := offsetInBlock % SectorSize

	if offsetInSector != 0 || length < SectorSize {
		writeLen := SectorSize - offsetInSector
		if writeLen > length {
			writeLen = length
		}

		sector := make([]byte, SectorSize)
		pos := (int64(id)+int64(sectorInBlock))*SectorSize + s.bitmapSize
		if s.cachedBitmap.Test(sectorInBlock) {
			if _, err := s.file.ReadAt(sector, pos); err != nil {
				return 0, errIO(err)
			}
		} else if err := s.readFromParent(sector, int64(blockIndex)*blockSize+int64(sectorInBlock)*SectorSize); err != nil {
			return 0, err
		}

		copy(sector[offsetInSector:offsetInSector+writeLen], data[:writeLen])

		if _, err := s.file.WriteAt(sector, pos); err != nil {
			return 0, errIO(err)
		}

		s.cachedBitmap.Set(sectorInBlock)
		s.cachedBitmapDirty = true
		return int(writeLen), nil
	}

	numSectors := length / SectorSize
	writeLen := numSectors * SectorSize
	pos := (int64(id)+int64(sectorInBlock))*SectorSize + s.bitmapSize
	if _, err := s.file.WriteAt(data[:writeLen], pos); err != nil {
		return 0, errIO(err)
	}

	for k := uint(0); k < uint(numSectors); k++ {
		s.cachedBitmap.Set(sectorInBlock + k)
	}
	s.cachedBitmapDirty = true

	return int(writeLen), nil
}

// Flush persists the dirty bitmap cache and asks the file provider to
// flush. Footer relocation is the image façade's responsibility.
func (s *sparseExtent) Flush() error {
	if err := s.saveCachedBitmap(); err != nil {
		return err
	}
	return errIO(s.file.Flush())
}

// WriteFooter writes both footer copies: the mirror at offset 0 and
// the authoritative trailing copy at the current end of the file.
func (s *sparseExtent) WriteFooter(f Footer) error {
	b := f.Bytes()
	if _, err := s.file.WriteAt(b, 0); err != nil {
		return errIO(err)
	}
	if _, err := s.file.WriteAt(b, s.nextBlockPos); err != nil {
		return errIO(err)
	}
	return nil
}

func (s *sparseExtent) rawFile() util.File { return s.file }

func (s *sparseExtent) BackingFiles() []string {
	files := []string{s.filePath}
	if s.parent != nil {
		files = append(files, s.parent.BackingFiles()...)
	}
	return files
}

func (s *sparseExtent) StorageSize() (int64, error) {
	size, err := s.file.Size()
	if err != nil {
		return 0, errIO(err)
	}
	return size, nil
}

func (s *sparseExtent) ParentLocatorSummary() string {
	summary := "VHD Parent Locators:\n-------------------\n"
	for i, loc := range s.header.ParentLocators {
		if loc.Code == platCodeNone {
			continue
		}
		buf := make([]byte, loc.DataLen)
		if _, err := s.file.ReadAt(buf, int64(loc.DataOffset)); err != nil {
			continue
		}
		summary += fmt.Sprintf("locator %d: %s %s\n", i, loc.CodeString(), decodeUTF16LE(buf))
	}
	return summary
}
