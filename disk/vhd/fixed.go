package vhd

import "github.com/lingedeng/govhd/util"

// fixedExtent is a flat, fully-allocated payload: every byte of the
// declared capacity exists on disk, followed by a single footer.
type fixedExtent struct {
	file         util.File
	filePath     string
	lastBlockPos int64
}

func openFixedExtent(file util.File, filePath string) (*fixedExtent, error) {
	size, err := file.Size()
	if err != nil {
		return nil, errIO(err)
	}
	return &fixedExtent{file: file, filePath: filePath, lastBlockPos: size - SectorSize}, nil
}

func createFixedExtent(file util.File, filePath string, footer Footer) (*fixedExtent, error) {
	zero := make([]byte, 1<<20)
	var pos int64
	remaining := int64(footer.CurrentSize)
	for remaining > 0 {
		n := int64(len(zero))
		if n > remaining {
			n = remaining
		}
		if _, err := file.WriteAt(zero[:n], pos); err != nil {
			return nil, errIO(err)
		}
		pos += n
		remaining -= n
	}

	fx := &fixedExtent{file: file, filePath: filePath, lastBlockPos: pos}
	if err := fx.WriteFooter(footer); err != nil {
		return nil, err
	}
	return fx, nil
}

func (f *fixedExtent) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	return n, errIO(err)
}

func (f *fixedExtent) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.file.WriteAt(p, off)
	return n, errIO(err)
}

func (f *fixedExtent) Flush() error {
	return errIO(f.file.Flush())
}

// WriteFooter writes the single trailing footer copy.
func (f *fixedExtent) WriteFooter(footer Footer) error {
	_, err := f.file.WriteAt(footer.Bytes(), f.lastBlockPos)
	return errIO(err)
}

func (f *fixedExtent) rawFile() util.File { return f.file }

func (f *fixedExtent) BackingFiles() []string { return []string{f.filePath} }

func (f *fixedExtent) StorageSize() (int64, error) {
	size, err := f.file.Size()
	if err != nil {
		return 0, errIO(err)
	}
	return size, nil
}
