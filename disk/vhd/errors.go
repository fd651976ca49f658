package vhd

import "fmt"

// Kind discriminates the error conditions the engine can raise, all
// surfaced through the single *Error type below.
type Kind int

const (
	// Boundary errors.
	ReadBeyondEOD Kind = iota
	WriteBeyondEOD
	UnexpectedEOD
	WriteZero
	FileTooSmall
	DiskSizeTooBig
	InvalidBlockIndex

	// Format errors.
	InvalidHeaderCookie
	InvalidHeaderChecksum
	InvalidSparseHeaderCookie
	InvalidSparseHeaderChecksum
	InvalidSparseHeaderOffset
	UnknownVhdType
	UnexpectedBlockID

	// Chain errors.
	ParentNotExist
	ParentNotDynamic
	FilePathNeedAbsolute
	CannotGetRelativePath
	NeedDyncOrDiffImage

	// Lookup/IO errors.
	NotFound
	IO
)

var kindText = map[Kind]string{
	ReadBeyondEOD:               "read beyond EOD",
	WriteBeyondEOD:              "write beyond EOD",
	UnexpectedEOD:               "unexpected EOD",
	WriteZero:                   "write zero",
	FileTooSmall:                "file too small",
	DiskSizeTooBig:              "disk size too big for VHD",
	InvalidBlockIndex:           "invalid block index",
	InvalidHeaderCookie:         "invalid VHD header cookie",
	InvalidHeaderChecksum:       "invalid VHD header checksum",
	InvalidSparseHeaderCookie:   "invalid VHD sparse header cookie",
	InvalidSparseHeaderChecksum: "invalid VHD sparse header checksum",
	InvalidSparseHeaderOffset:   "invalid VHD sparse header BAT offset",
	UnknownVhdType:              "unknown VHD type",
	UnexpectedBlockID:           "unexpected block id",
	ParentNotExist:              "diff parent does not exist",
	ParentNotDynamic:            "diff parent is not dynamic",
	FilePathNeedAbsolute:        "need absolute file path",
	CannotGetRelativePath:       "cannot get relative path",
	NeedDyncOrDiffImage:         "need dynamic or diff type image",
	NotFound:                    "not found",
	IO:                          "io error",
}

// Error is the single discriminated error value the engine returns.
type Error struct {
	Kind Kind
	// Index is set for InvalidBlockIndex / UnexpectedBlockID.
	Index int
	// Value is set for UnknownVhdType (the unrecognized type code) and
	// UnexpectedBlockID (the block id actually found).
	Value uint32
	// Name is set for NotFound.
	Name string
	// Err is the wrapped error for Kind == IO, or any other error a
	// Kind carries additional context from.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case InvalidBlockIndex:
		return fmt.Sprintf("invalid block index '%d'", e.Index)
	case UnexpectedBlockID:
		return fmt.Sprintf("unexpected block %d id %#08x", e.Index, e.Value)
	case UnknownVhdType:
		return fmt.Sprintf("unknown VHD type '%d'", e.Value)
	case NotFound:
		return fmt.Sprintf("not found '%s'", e.Name)
	case IO:
		return fmt.Sprintf("io error: %v", e.Err)
	default:
		return kindText[e.Kind]
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so callers
// can write errors.Is(err, vhd.ErrKind(ReadBeyondEOD)).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// ErrKind builds a kind-only *Error suitable for errors.Is comparisons.
func ErrKind(k Kind) *Error { return &Error{Kind: k} }

func errBlockIndex(i int) *Error { return &Error{Kind: InvalidBlockIndex, Index: i} }

func errUnexpectedBlockID(i int, id uint32) *Error {
	return &Error{Kind: UnexpectedBlockID, Index: i, Value: id}
}

func errUnknownType(n uint32) *Error { return &Error{Kind: UnknownVhdType, Value: n} }

func errNotFound(name string) *Error { return &Error{Kind: NotFound, Name: name} }

// errIO wraps a plain I/O error, returning a true nil when err is nil
// (not a typed-nil *Error, which would be a non-nil error interface).
func errIO(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: IO, Err: err}
}
