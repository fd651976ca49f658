package vhd

import (
	"bytes"
	"encoding/binary"
	"os"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/lingedeng/govhd/util"
)

// Journal modes for AddBlock: which of a block's bitmap/data to
// snapshot before the caller mutates it.
const (
	JournalMetadata uint32 = 0x01
	JournalData     uint32 = 0x02
)

type entryType uint32

const (
	entryFooterPrimary entryType = 1
	entryFooterCopy    entryType = 2
	entryHeader        entryType = 3
	entryLocator       entryType = 4
	entryBAT           entryType = 5
	entryData          entryType = 6
)

const (
	journalHeaderCookie = "vjournal"
	journalEntryCookie  = 0xAAAA12344321AAAA
	journalHeaderSize   = 512
	journalEntrySize    = 32
)

type journalHeader struct {
	UUID            uuid.UUID
	FooterOffset    uint64
	DataEntries     uint32
	MetadataEntries uint32
	DataOffset      uint64
	MetadataOffset  uint64
	EOF             uint64
}

func (h journalHeader) encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(journalHeaderCookie)
	buf.Write(h.UUID.Bytes())
	binary.Write(buf, binary.BigEndian, h.FooterOffset)
	binary.Write(buf, binary.BigEndian, h.DataEntries)
	binary.Write(buf, binary.BigEndian, h.MetadataEntries)
	binary.Write(buf, binary.BigEndian, h.DataOffset)
	binary.Write(buf, binary.BigEndian, h.MetadataOffset)
	binary.Write(buf, binary.BigEndian, h.EOF)
	buf.Write(make([]byte, 448))
	return buf.Bytes()
}

type journalEntry struct {
	Type     entryType
	Size     uint32
	Offset   uint64
	Checksum uint32
}

func newJournalEntry(t entryType, size uint32, offset uint64) journalEntry {
	e := journalEntry{Type: t, Size: size, Offset: offset}
	e.Checksum = checksum(e.encode(0))
	return e
}

func (e journalEntry) encode(cksum uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(journalEntryCookie))
	binary.Write(buf, binary.BigEndian, uint32(e.Type))
	binary.Write(buf, binary.BigEndian, e.Size)
	binary.Write(buf, binary.BigEndian, e.Offset)
	binary.Write(buf, binary.BigEndian, cksum)
	binary.Write(buf, binary.BigEndian, uint32(0))
	return buf.Bytes()
}

func decodeJournalEntry(raw []byte) (journalEntry, error) {
	r := bytes.NewReader(raw)
	var cookie uint64
	binary.Read(r, binary.BigEndian, &cookie)
	if cookie != journalEntryCookie {
		return journalEntry{}, ErrKind(InvalidHeaderCookie)
	}

	var e journalEntry
	var t uint32
	binary.Read(r, binary.BigEndian, &t)
	e.Type = entryType(t)
	binary.Read(r, binary.BigEndian, &e.Size)
	binary.Read(r, binary.BigEndian, &e.Offset)
	binary.Read(r, binary.BigEndian, &e.Checksum)

	want := checksum(e.encode(0))
	if e.Checksum != want {
		return journalEntry{}, ErrKind(InvalidHeaderChecksum)
	}
	return e, nil
}

// Journal guards an edit session against a single image: it records a
// pre-mutation snapshot of everything a caller is about to change, and
// can replay those snapshots back on Revert.
type Journal struct {
	jfile  util.File
	jpath  string
	header journalHeader
	image  *Image
}

// CreateJournal opens a new journal file for img and records its
// current metadata (footer, and for dynamic/diff images, header,
// parent locators and BAT).
func CreateJournal(img *Image, jpath string) (*Journal, error) {
	jfile, err := util.Create(jpath)
	if err != nil {
		return nil, errIO(err)
	}

	size, err := img.extent.StorageSize()
	if err != nil {
		return nil, err
	}

	j := &Journal{
		jfile: jfile,
		jpath: jpath,
		header: journalHeader{
			UUID:         img.ID(),
			FooterOffset: uint64(size) - FooterSize,
			EOF:          journalHeaderSize,
		},
		image: img,
	}

	if err := j.writeHeader(); err != nil {
		return nil, err
	}
	if err := j.addMetadata(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) writeHeader() error {
	_, err := j.jfile.WriteAt(j.header.encode(), 0)
	return errIO(err)
}

func (j *Journal) addMetadata() error {
	if err := j.addFooter(); err != nil {
		return err
	}
	if j.image.footer.DiskType == TypeFixed {
		return nil
	}
	if err := j.addHeader(); err != nil {
		return err
	}
	if err := j.addLocators(); err != nil {
		return err
	}
	return j.addBAT()
}

func (j *Journal) addFooter() error {
	footerBytes := j.image.footer.Bytes()

	if err := j.update(newJournalEntry(entryFooterPrimary, uint32(len(footerBytes)), j.header.FooterOffset), footerBytes); err != nil {
		return err
	}

	if j.image.footer.DiskType == TypeFixed {
		return nil
	}

	return j.update(newJournalEntry(entryFooterCopy, uint32(len(footerBytes)), 0), footerBytes)
}

func (j *Journal) addHeader() error {
	sx, ok := j.image.extent.(*sparseExtent)
	if !ok {
		return nil
	}
	headerBytes := sx.header.Bytes()
	return j.update(newJournalEntry(entryHeader, uint32(len(headerBytes)), j.image.footer.DataOffset), headerBytes)
}

func (j *Journal) addLocators() error {
	sx, ok := j.image.extent.(*sparseExtent)
	if !ok {
		return nil
	}

	for _, loc := range sx.header.ParentLocators {
		if loc.Code == platCodeNone {
			continue
		}
		data := make([]byte, loc.DataSpace)
		if _, err := sx.file.ReadAt(data, int64(loc.DataOffset)); err != nil {
			return errIO(err)
		}
		if err := j.update(newJournalEntry(entryLocator, loc.DataSpace, loc.DataOffset), data); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) addBAT() error {
	sx, ok := j.image.extent.(*sparseExtent)
	if !ok {
		return nil
	}

	size := roundUpSector(uint64(sx.header.MaxBATSize) * 4)
	data := make([]byte, size)
	if _, err := sx.file.ReadAt(data, int64(sx.header.TableOffset)); err != nil {
		return errIO(err)
	}
	return j.update(newJournalEntry(entryBAT, uint32(size), sx.header.TableOffset), data)
}

// AddBlock records a pre-mutation snapshot of block index's bitmap
// and/or payload, depending on which JournalMetadata/JournalData bits
// are set in mode. It fails for fixed images, which have no BAT.
func (j *Journal) AddBlock(index int, mode uint32) error {
	if j.image.footer.DiskType == TypeFixed {
		return ErrKind(NeedDyncOrDiffImage)
	}

	sx, ok := j.image.extent.(*sparseExtent)
	if !ok {
		return ErrKind(NeedDyncOrDiffImage)
	}

	id, err := sx.bat.Get(index)
	if err != nil {
		return err
	}
	if id == blockUnused {
		return nil
	}
	blockPos := int64(id) * SectorSize

	if mode&JournalMetadata != 0 {
		bitmap := make([]byte, sx.bitmapSize)
		if _, err := sx.file.ReadAt(bitmap, blockPos); err != nil {
			return errIO(err)
		}
		if err := j.update(newJournalEntry(entryData, uint32(len(bitmap)), uint64(blockPos)), bitmap); err != nil {
			return err
		}
	}

	if mode&JournalData != 0 {
		data := make([]byte, sx.header.BlockSize)
		dataPos := blockPos + sx.bitmapSize
		if _, err := sx.file.ReadAt(data, dataPos); err != nil {
			return errIO(err)
		}
		if err := j.update(newJournalEntry(entryData, uint32(len(data)), uint64(dataPos)), data); err != nil {
			return err
		}
	}

	return nil
}

func (j *Journal) update(entry journalEntry, payload []byte) error {
	pos := int64(j.header.EOF)

	if _, err := j.jfile.WriteAt(entry.encode(entry.Checksum), pos); err != nil {
		return errIO(err)
	}
	if _, err := j.jfile.WriteAt(payload, pos+journalEntrySize); err != nil {
		return errIO(err)
	}

	if entry.Type == entryData {
		if j.header.DataEntries == 0 {
			j.header.DataOffset = uint64(pos)
		}
		j.header.DataEntries++
	} else {
		if j.header.MetadataEntries == 0 {
			j.header.MetadataOffset = uint64(pos)
		}
		j.header.MetadataEntries++
	}

	j.header.EOF += uint64(journalEntrySize + len(payload))
	return j.writeHeader()
}

// Commit discards the journal: the mutation session succeeded and no
// replay is needed.
func (j *Journal) Commit() error {
	logrus.WithField("journal", j.jpath).Debug("vhd: committing journal")
	if err := j.jfile.Close(); err != nil {
		return errIO(err)
	}
	return errIO(os.Remove(j.jpath))
}

// Revert replays every recorded entry's payload back to its recorded
// offset, in reverse order of recording, then discards the journal. Every
// entry is decoded and checksum-verified first, so a corrupted entry
// aborts the revert before any payload is written back.
func (j *Journal) Revert() error {
	type entryPos struct {
		pos   int64
		entry journalEntry
	}

	logrus.WithField("journal", j.jpath).Warn("vhd: reverting journal")

	var positions []entryPos
	pos := int64(journalHeaderSize)
	for uint64(pos) < j.header.EOF {
		header := make([]byte, journalEntrySize)
		if _, err := j.jfile.ReadAt(header, pos); err != nil {
			return errIO(err)
		}
		entry, err := decodeJournalEntry(header)
		if err != nil {
			return err
		}
		positions = append(positions, entryPos{pos: pos, entry: entry})
		pos += journalEntrySize + int64(entry.Size)
	}

	target := j.image.extent.rawFile()

	for i := len(positions) - 1; i >= 0; i-- {
		p := positions[i]
		payload := make([]byte, p.entry.Size)
		if _, err := j.jfile.ReadAt(payload, p.pos+journalEntrySize); err != nil {
			return errIO(err)
		}
		if _, err := target.WriteAt(payload, int64(p.entry.Offset)); err != nil {
			return errIO(err)
		}
	}

	// Blocks allocated during the session grew the file past the
	// recorded trailing footer; cut them off so the image is bytewise
	// what it was when the journal was created.
	if err := target.Truncate(int64(j.header.FooterOffset) + FooterSize); err != nil {
		return errIO(err)
	}
	if err := target.Flush(); err != nil {
		return errIO(err)
	}

	return j.Commit()
}
