package vhd

import (
	"os"
	"path/filepath"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/lingedeng/govhd/disk"
	"github.com/lingedeng/govhd/util"
)

// extent is the capability set shared by the fixed and sparse payload
// engines: read/write, flush, footer placement, and backing-file
// introspection. It is a closed, two-case tagged variant rather than
// an open plugin surface.
type extent interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	WriteFooter(f Footer) error
	BackingFiles() []string
	StorageSize() (int64, error)
	rawFile() util.File
}

// Image is a VHD disk image: a footer plus a fixed or sparse payload
// extent. It is single-writer and single-threaded; no method
// serializes concurrent callers.
type Image struct {
	footer Footer
	extent extent
	path   string
}

var _ disk.Image = (*Image)(nil)

func checkMaxSize(size uint64) error {
	if size > MaxDiskSize {
		return ErrKind(DiskSizeTooBig)
	}
	return nil
}

func roundSizeMB(sizeMB uint64) uint64 {
	size := sizeMB << 20
	blocks := ceilDiv(size, DefaultBlockSize)
	return blocks * DefaultBlockSize
}

// CreateFixed creates a new fixed-layout image of sizeMB megabytes.
func CreateFixed(path string, sizeMB uint64) (*Image, error) {
	size := roundSizeMB(sizeMB)
	if err := checkMaxSize(size); err != nil {
		return nil, err
	}

	file, err := util.Create(path)
	if err != nil {
		return nil, errIO(err)
	}

	footer := CreateFooter(size, TypeFixed)
	ext, err := createFixedExtent(file, path, footer)
	if err != nil {
		return nil, err
	}

	return &Image{footer: footer, extent: ext, path: path}, nil
}

// CreateDynamic creates a new root dynamic image of sizeMB megabytes.
func CreateDynamic(path string, sizeMB uint64) (*Image, error) {
	size := roundSizeMB(sizeMB)
	if err := checkMaxSize(size); err != nil {
		return nil, err
	}

	file, err := util.Create(path)
	if err != nil {
		return nil, errIO(err)
	}

	footer := CreateFooter(size, TypeDynamic)
	ext, err := createSparseExtent(file, path, footer, nil, nil, "", "", "")
	if err != nil {
		return nil, err
	}

	return &Image{footer: footer, extent: ext, path: path}, nil
}

// CreateDiff creates a differencing image backed by the dynamic image
// at parentPath.
func CreateDiff(path, parentPath string) (*Image, error) {
	if !filepath.IsAbs(path) || !filepath.IsAbs(parentPath) {
		return nil, ErrKind(FilePathNeedAbsolute)
	}

	if _, err := os.Stat(parentPath); err != nil {
		return nil, ErrKind(ParentNotExist)
	}

	parentImg, err := Open(parentPath)
	if err != nil {
		return nil, err
	}

	size := parentImg.footer.CurrentSize
	footer := CreateFooter(size, TypeDiff)

	relPath, err := filepath.Rel(filepath.Dir(path), parentPath)
	if err != nil {
		parentImg.Close()
		return nil, ErrKind(CannotGetRelativePath)
	}

	parentName := filepath.Base(parentPath)
	parentFooter := parentImg.footer

	sparseParent, ok := parentImg.extent.(*sparseExtent)
	if !ok {
		parentImg.Close()
		return nil, ErrKind(ParentNotDynamic)
	}

	file, err := util.Create(path)
	if err != nil {
		parentImg.Close()
		return nil, errIO(err)
	}

	ext, err := createSparseExtent(file, path, footer, parentSparseImage{sparseParent}, &parentFooter, parentName, parentPath, relPath)
	if err != nil {
		parentImg.Close()
		return nil, err
	}

	return &Image{footer: footer, extent: ext, path: path}, nil
}

// parentSparseImage adapts a parent Image's sparseExtent to the
// disk.Image surface a child differencing extent needs for fallback
// reads, without keeping the parent's own Image wrapper (and its
// footer-relocation-on-flush responsibilities) alive.
type parentSparseImage struct {
	*sparseExtent
}

func (p parentSparseImage) Flush() error                     { return p.sparseExtent.Flush() }
func (p parentSparseImage) Geometry() (disk.Geometry, error) { return disk.Geometry{}, nil }
func (p parentSparseImage) Capacity() (int64, error)         { return 0, nil }
func (p parentSparseImage) DiskType() string                 { return "" }
func (p parentSparseImage) Close() error                     { return nil }

// Open opens an existing image, dispatching to fixed or sparse
// construction based on the footer's disk type.
func Open(path string) (*Image, error) {
	return openImage(path, map[uuid.UUID]bool{})
}

// openImage opens path, carrying the footer UUIDs already seen along
// the parent chain so a differencing image whose locators loop back on
// themselves fails instead of recursing forever.
func openImage(path string, seen map[uuid.UUID]bool) (*Image, error) {
	file, err := util.Open(path)
	if err != nil {
		return nil, errIO(err)
	}

	size, err := file.Size()
	if err != nil {
		return nil, errIO(err)
	}
	if size < SectorSize {
		return nil, ErrKind(FileTooSmall)
	}

	footerPos := size - SectorSize
	footer, err := ReadFooter(file, footerPos)
	if err != nil {
		return nil, err
	}
	if seen[footer.UUID] {
		return nil, ErrKind(ParentNotExist)
	}
	seen[footer.UUID] = true

	var ext extent
	switch footer.DiskType {
	case TypeFixed:
		ext, err = openFixedExtent(file, path)
	case TypeDynamic, TypeDiff:
		var sx *sparseExtent
		sx, err = openSparseExtent(file, path, int64(footer.DataOffset))
		if err == nil && footer.DiskType == TypeDiff {
			if perr := resolveParent(sx, path, seen); perr != nil {
				err = perr
			}
		}
		ext = sx
	default:
		return nil, errUnknownType(uint32(footer.DiskType))
	}
	if err != nil {
		return nil, err
	}

	return &Image{footer: footer, extent: ext, path: path}, nil
}

// resolveParent opens the parent named by sx's header locators,
// preferring the absolute-path slot and falling back to the parent
// file name resolved against the child's own directory. A differencing
// image is never usable without its parent, so any failure here fails
// the open.
func resolveParent(sx *sparseExtent, selfPath string, seen map[uuid.UUID]bool) error {
	var parentPath string
	if loc, err := sx.header.Locator(platCodeW2KU); err == nil {
		buf := make([]byte, loc.DataLen)
		if _, err := sx.file.ReadAt(buf, int64(loc.DataOffset)); err != nil {
			return errIO(err)
		}
		parentPath = decodeUTF16LE(buf)
	}
	if parentPath == "" || !fileExists(parentPath) {
		parentPath = filepath.Join(filepath.Dir(selfPath), sx.header.ParentName)
	}
	if !fileExists(parentPath) {
		return ErrKind(ParentNotExist)
	}

	parentImg, err := openImage(parentPath, seen)
	if err != nil {
		return err
	}

	parentSx, ok := parentImg.extent.(*sparseExtent)
	if !ok {
		return ErrKind(ParentNotDynamic)
	}
	if !uuid.Equal(parentImg.footer.UUID, sx.header.ParentUUID) {
		logrus.WithFields(logrus.Fields{
			"child": selfPath, "parent": parentPath,
		}).Warn("vhd: parent UUID does not match differencing header")
		return ErrKind(ParentNotExist)
	}
	sx.SetParent(parentSparseImage{parentSx})
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func boundTo(capacity, offset uint64, length int) int {
	if offset >= capacity {
		return -1
	}
	remaining := capacity - offset
	if uint64(length) > remaining {
		return int(remaining)
	}
	return length
}

// ReadAt reads len(p) bytes at off, clipped against capacity.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	n := boundTo(img.footer.CurrentSize, uint64(off), len(p))
	if n < 0 {
		return 0, ErrKind(ReadBeyondEOD)
	}
	return img.extent.ReadAt(p[:n], off)
}

// WriteAt writes len(p) bytes at off, clipped against capacity.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	n := boundTo(img.footer.CurrentSize, uint64(off), len(p))
	if n < 0 {
		return 0, ErrKind(WriteBeyondEOD)
	}
	return img.extent.WriteAt(p[:n], off)
}

// Flush persists the extent's cached state, then rewrites the footer
// copies so the trailing footer follows any blocks appended since the
// last flush.
func (img *Image) Flush() error {
	if err := img.extent.Flush(); err != nil {
		return err
	}
	logrus.WithField("file", img.path).Debug("vhd: relocating footer")
	if err := img.extent.WriteFooter(img.footer); err != nil {
		return err
	}
	return errIO(img.extent.rawFile().Flush())
}

func (img *Image) Geometry() (disk.Geometry, error) { return img.footer.Geometry, nil }

func (img *Image) Capacity() (int64, error) { return int64(img.footer.CurrentSize), nil }

func (img *Image) DiskType() string { return img.footer.DiskType.String() }

func (img *Image) BackingFiles() []string { return img.extent.BackingFiles() }

func (img *Image) StorageSize() (int64, error) { return img.extent.StorageSize() }

func (img *Image) Close() error { return img.Flush() }

// ID returns the image's unique disk identifier.
func (img *Image) ID() uuid.UUID { return img.footer.UUID }

// Footer returns a copy of the image's footer.
func (img *Image) Footer() Footer { return img.footer }

// FilePath returns the path the image was opened or created from.
func (img *Image) FilePath() string { return img.path }

// SparseHeader returns the sparse header for a dynamic or
// differencing image, or false for a fixed image.
func (img *Image) SparseHeader() (Header, bool) {
	sx, ok := img.extent.(*sparseExtent)
	if !ok {
		return Header{}, false
	}
	return sx.header, true
}

// ParentLocatorSummary renders the parent-locator table for a
// differencing image, or an empty string otherwise.
func (img *Image) ParentLocatorSummary() string {
	sx, ok := img.extent.(*sparseExtent)
	if !ok {
		return ""
	}
	return sx.ParentLocatorSummary()
}
