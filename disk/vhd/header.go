package vhd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	uuid "github.com/satori/go.uuid"
)

// ParentLocator records where to find one representation of a
// differencing image's parent path.
type ParentLocator struct {
	Code       uint32
	DataSpace  uint32
	DataLen    uint32
	Reserved   uint32
	DataOffset uint64
}

// CodeString renders the 4-byte platform code as text, e.g. "W2ku".
func (p ParentLocator) CodeString() string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, p.Code)
	return string(b)
}

// Header is the 1024-byte sparse header shared by dynamic and
// differencing images.
type Header struct {
	DataOffset      uint64
	TableOffset     uint64
	HeaderVersion   uint32
	MaxBATSize      uint32
	BlockSize       uint32
	Checksum        uint32
	ParentUUID      uuid.UUID
	ParentTimestamp uint32
	ParentName      string
	ParentLocators  [8]ParentLocator
}

// CreateHeader materializes a sparse header for a freshly created
// image. parent is nil for a root dynamic image; for a differencing
// image, slot 0 records the parent's absolute path and slot 1 its path
// relative to the child's directory, each in one reserved sector after
// the BAT.
func CreateHeader(capacity uint64, tableOffset uint64, blockSize uint32, parent *Footer, parentFileName, parentAbsPath, parentRelPath string) Header {
	h := Header{
		DataOffset:    0xFFFFFFFFFFFFFFFF,
		TableOffset:   tableOffset,
		HeaderVersion: headerVersion,
		MaxBATSize:    uint32(ceilDiv(capacity, uint64(blockSize))),
		BlockSize:     blockSize,
	}

	if parent != nil {
		h.ParentUUID = parent.UUID
		h.ParentTimestamp = parent.Timestamp
		h.ParentName = parentFileName

		batBytes := roundUpSector(uint64(h.MaxBATSize) * 4)
		h.ParentLocators[0] = ParentLocator{
			Code:       platCodeW2KU,
			DataSpace:  SectorSize,
			DataLen:    uint32(len(utf16.Encode([]rune(parentAbsPath))) * 2),
			DataOffset: tableOffset + batBytes,
		}
		h.ParentLocators[1] = ParentLocator{
			Code:       platCodeW2RU,
			DataSpace:  SectorSize,
			DataLen:    uint32(len(utf16.Encode([]rune(parentRelPath))) * 2),
			DataOffset: tableOffset + batBytes + SectorSize,
		}
	}

	h.Checksum = checksum(h.encode(0))
	return h
}

// ReadHeader reads and validates the sparse header at pos.
func ReadHeader(r readerAt, pos int64) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, pos); err != nil {
		return Header{}, errIO(err)
	}

	if string(buf[0:8]) != headerCookie {
		return Header{}, ErrKind(InvalidSparseHeaderCookie)
	}

	h, err := decodeHeader(buf)
	if err != nil {
		return Header{}, err
	}

	want := checksum(h.encode(0))
	if h.Checksum != want {
		return Header{}, ErrKind(InvalidSparseHeaderChecksum)
	}

	return h, nil
}

// Bytes serializes the header, ready to be written to disk.
func (h Header) Bytes() []byte { return h.encode(h.Checksum) }

// Locator returns the populated slot carrying the given platform code.
func (h Header) Locator(code uint32) (ParentLocator, error) {
	for _, loc := range h.ParentLocators {
		if loc.Code == code {
			return loc, nil
		}
	}
	return ParentLocator{}, errNotFound(ParentLocator{Code: code}.CodeString())
}

// Write serializes the header to pos.
func (h Header) Write(w writerAt, pos int64) error {
	_, err := w.WriteAt(h.encode(h.Checksum), pos)
	return errIO(err)
}

// WriteLocator writes a single parent path as a UTF-16LE sector at pos.
func (h Header) WriteLocator(w writerAt, pos int64, path string) (int, error) {
	buf := make([]byte, SectorSize)
	encoded := utf16.Encode([]rune(path))
	for i, u := range encoded {
		if i*2+1 >= len(buf) {
			break
		}
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	if _, err := w.WriteAt(buf, pos); err != nil {
		return 0, errIO(err)
	}
	return SectorSize, nil
}

func (h Header) encode(cksum uint32) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(headerCookie)
	binary.Write(buf, binary.BigEndian, h.DataOffset)
	binary.Write(buf, binary.BigEndian, h.TableOffset)
	binary.Write(buf, binary.BigEndian, h.HeaderVersion)
	binary.Write(buf, binary.BigEndian, h.MaxBATSize)
	binary.Write(buf, binary.BigEndian, h.BlockSize)
	binary.Write(buf, binary.BigEndian, cksum)
	buf.Write(swapUUID(h.ParentUUID).Bytes())
	binary.Write(buf, binary.BigEndian, h.ParentTimestamp)
	binary.Write(buf, binary.BigEndian, uint32(0)) // reserved

	nameBuf := make([]byte, 512)
	for i, u := range utf16.Encode([]rune(h.ParentName)) {
		if i*2+1 >= len(nameBuf) {
			break
		}
		binary.BigEndian.PutUint16(nameBuf[i*2:], u)
	}
	buf.Write(nameBuf)

	for _, loc := range h.ParentLocators {
		binary.Write(buf, binary.BigEndian, loc.Code)
		binary.Write(buf, binary.BigEndian, loc.DataSpace)
		binary.Write(buf, binary.BigEndian, loc.DataLen)
		binary.Write(buf, binary.BigEndian, loc.Reserved)
		binary.Write(buf, binary.BigEndian, loc.DataOffset)
	}

	buf.Write(make([]byte, 256))
	return buf.Bytes()
}

func decodeHeader(raw []byte) (Header, error) {
	r := bytes.NewReader(raw[8:])
	var h Header

	binary.Read(r, binary.BigEndian, &h.DataOffset)
	binary.Read(r, binary.BigEndian, &h.TableOffset)
	binary.Read(r, binary.BigEndian, &h.HeaderVersion)
	binary.Read(r, binary.BigEndian, &h.MaxBATSize)
	binary.Read(r, binary.BigEndian, &h.BlockSize)
	binary.Read(r, binary.BigEndian, &h.Checksum)

	rawUUID := make([]byte, 16)
	r.Read(rawUUID)
	var u uuid.UUID
	copy(u[:], rawUUID)
	h.ParentUUID = swapUUID(u)

	binary.Read(r, binary.BigEndian, &h.ParentTimestamp)
	var reserved uint32
	binary.Read(r, binary.BigEndian, &reserved)

	nameBuf := make([]byte, 512)
	r.Read(nameBuf)
	h.ParentName = decodeUTF16BE(nameBuf)

	for i := range h.ParentLocators {
		var loc ParentLocator
		binary.Read(r, binary.BigEndian, &loc.Code)
		binary.Read(r, binary.BigEndian, &loc.DataSpace)
		binary.Read(r, binary.BigEndian, &loc.DataLen)
		binary.Read(r, binary.BigEndian, &loc.Reserved)
		binary.Read(r, binary.BigEndian, &loc.DataOffset)
		h.ParentLocators[i] = loc
	}

	return h, nil
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func decodeUTF16BE(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.BigEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// String renders a human-readable header summary.
func (h Header) String() string {
	return fmt.Sprintf(
		"VHD Header Summary:\n-------------------\n"+
			"%-20s: %#018X\n%-20s: %d\n%-20s: %d MiB\n%-20s: %s\n%-20s: %s\n%-20s: %#010X\n",
		"Table offset", h.TableOffset,
		"Max BAT size", h.MaxBATSize,
		"Block size", h.BlockSize>>20,
		"Parent name", h.ParentName,
		"Parent UUID", h.ParentUUID,
		"Checksum", h.Checksum,
	)
}
