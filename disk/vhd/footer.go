package vhd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	uuid "github.com/satori/go.uuid"

	"github.com/lingedeng/govhd/disk"
)

// Footer is the 512-byte trailing (and, for sparse images, mirrored
// leading) record every VHD image carries.
type Footer struct {
	Features     uint32
	FormatVer    uint32
	DataOffset   uint64
	Timestamp    uint32
	CreatorApp   string
	CreatorVer   uint32
	CreatorOS    string
	OriginalSize uint64
	CurrentSize  uint64
	Geometry     disk.Geometry
	DiskType     Type
	Checksum     uint32
	UUID         uuid.UUID
	Saved        bool
}

// CreateFooter materializes a footer for a freshly created image of the
// given type and current size.
func CreateFooter(size uint64, diskType Type) Footer {
	dataOffset := uint64(SectorSize)
	if diskType == TypeFixed {
		dataOffset = 0xFFFFFFFFFFFFFFFF
	}

	f := Footer{
		Features:     featureReserved,
		FormatVer:    ffVersion,
		DataOffset:   dataOffset,
		Timestamp:    nowVHDTime(),
		CreatorApp:   creatorApp,
		CreatorVer:   ffVersion,
		CreatorOS:    creatorOS,
		OriginalSize: size,
		CurrentSize:  size,
		Geometry:     disk.GeometryForVHDCapacity(size),
		DiskType:     diskType,
		UUID:         uuid.NewV4(),
	}
	f.Checksum = checksum(f.encode(0))
	return f
}

// ReadFooter reads and validates the footer at pos.
func ReadFooter(r readerAt, pos int64) (Footer, error) {
	buf := make([]byte, FooterSize)
	if _, err := r.ReadAt(buf, pos); err != nil {
		return Footer{}, errIO(err)
	}

	if string(buf[0:8]) != footerCookie {
		return Footer{}, ErrKind(InvalidHeaderCookie)
	}

	f, err := decodeFooter(buf)
	if err != nil {
		return Footer{}, err
	}

	// The checksum covers every byte as read, reserved padding included,
	// with the checksum field (bytes 64..68) zeroed.
	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	for i := 64; i < 68; i++ {
		zeroed[i] = 0
	}
	want := checksum(zeroed)
	if f.Checksum != want {
		return Footer{}, ErrKind(InvalidHeaderChecksum)
	}

	if !f.DiskType.valid() {
		return Footer{}, errUnknownType(uint32(f.DiskType))
	}

	return f, nil
}

// Bytes serializes the footer, ready to be written to disk.
func (f Footer) Bytes() []byte {
	return f.encode(f.Checksum)
}

// encode serializes the footer with the given checksum value stamped
// in (0 when computing the checksum itself).
func (f Footer) encode(cksum uint32) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(footerCookie)
	binary.Write(buf, binary.BigEndian, f.Features)
	binary.Write(buf, binary.BigEndian, f.FormatVer)
	binary.Write(buf, binary.BigEndian, f.DataOffset)
	binary.Write(buf, binary.BigEndian, f.Timestamp)
	buf.WriteString(padString(f.CreatorApp, 4))
	binary.Write(buf, binary.BigEndian, f.CreatorVer)
	buf.WriteString(padString(f.CreatorOS, 4))
	binary.Write(buf, binary.BigEndian, f.OriginalSize)
	binary.Write(buf, binary.BigEndian, f.CurrentSize)
	binary.Write(buf, binary.BigEndian, f.Geometry.Cylinders)
	buf.WriteByte(f.Geometry.Heads)
	buf.WriteByte(f.Geometry.SectorsPerTrack)
	binary.Write(buf, binary.BigEndian, uint32(f.DiskType))
	binary.Write(buf, binary.BigEndian, cksum)
	buf.Write(swapUUID(f.UUID).Bytes())
	if f.Saved {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(make([]byte, 427))
	return buf.Bytes()
}

func decodeFooter(raw []byte) (Footer, error) {
	r := bytes.NewReader(raw[8:])
	var f Footer

	binary.Read(r, binary.BigEndian, &f.Features)
	binary.Read(r, binary.BigEndian, &f.FormatVer)
	binary.Read(r, binary.BigEndian, &f.DataOffset)
	binary.Read(r, binary.BigEndian, &f.Timestamp)

	app := make([]byte, 4)
	r.Read(app)
	f.CreatorApp = trimPadding(app)

	binary.Read(r, binary.BigEndian, &f.CreatorVer)

	os := make([]byte, 4)
	r.Read(os)
	f.CreatorOS = trimPadding(os)

	binary.Read(r, binary.BigEndian, &f.OriginalSize)
	binary.Read(r, binary.BigEndian, &f.CurrentSize)
	binary.Read(r, binary.BigEndian, &f.Geometry.Cylinders)
	cyl := f.Geometry.Cylinders
	heads, _ := r.ReadByte()
	spt, _ := r.ReadByte()
	f.Geometry = disk.Geometry{
		Cylinders:       cyl,
		Heads:           heads,
		SectorsPerTrack: spt,
		BytesPerSector:  SectorSize,
	}

	var diskType uint32
	binary.Read(r, binary.BigEndian, &diskType)
	f.DiskType = Type(diskType)

	binary.Read(r, binary.BigEndian, &f.Checksum)

	rawUUID := make([]byte, 16)
	r.Read(rawUUID)
	var u uuid.UUID
	copy(u[:], rawUUID)
	f.UUID = swapUUID(u)

	saved, _ := r.ReadByte()
	f.Saved = saved != 0

	return f, nil
}

func padString(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + string(make([]byte, n-len(s)))
}

func trimPadding(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}

// String renders a human-readable footer summary.
func (f Footer) String() string {
	return fmt.Sprintf(
		"VHD Footer Summary:\n-------------------\n"+
			"%-20s: %s\n%-20s: %s\n%-20s: %d MiB (%d bytes)\n%-20s: %d MiB (%d bytes)\n"+
			"%-20s: %s\n%-20s: %#010X\n%-20s: %s\n",
		"Creator app", f.CreatorApp,
		"Creator OS", f.CreatorOS,
		"Original size", f.OriginalSize>>20, f.OriginalSize,
		"Current size", f.CurrentSize>>20, f.CurrentSize,
		"Disk type", f.DiskType,
		"Checksum", f.Checksum,
		"UUID", f.UUID,
	)
}

// CreatorApplication, CreatorVersion and CreatorHostOS are diagnostic
// accessors over the footer's creator-identity fields.
func (f Footer) CreatorApplication() string { return f.CreatorApp }
func (f Footer) CreatorVersion() uint32     { return f.CreatorVer }
func (f Footer) CreatorHostOS() string      { return f.CreatorOS }

// readerAt is the subset of util.File that footer/header/BAT decoding
// needs; kept narrow so tests can pass a bare io.ReaderAt.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// writerAt is the write-side counterpart of readerAt.
type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
}
