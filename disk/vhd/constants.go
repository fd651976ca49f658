package vhd

// On-disk layout constants shared by every module in this package.
const (
	SectorSize       = 512
	DefaultBlockSize = 2 << 20 // 2 MiB

	FooterSize = 512
	HeaderSize = 1024

	DefaultHeaderOffset = FooterSize
	DefaultTableOffset  = DefaultHeaderOffset + HeaderSize

	MaxDiskSize = 2040 << 30 // 2040 GiB

	footerCookie = "conectix"
	headerCookie = "cxsparse"

	blockUnused = 0xFFFFFFFF

	platCodeNone = 0x00000000
	// platCodeW2RU identifies a Windows relative UTF-16LE path locator.
	platCodeW2RU = 0x57327275 // "W2ru"
	// platCodeW2KU identifies a Windows absolute UTF-16LE path locator.
	platCodeW2KU = 0x57326B75 // "W2ku"

	featureReserved = 0x00000002
	ffVersion       = 0x00010000
	headerVersion   = 0x00010000

	creatorApp = "gvhd"
	creatorOS  = "Wi2k"

	// vhdEpochStart is the Unix timestamp of the VHD epoch, 2000-01-01T00:00:00Z.
	vhdEpochStart = 946684800
)

// Type is the VHD disk-type tag stored in the footer.
type Type uint32

const (
	TypeNone    Type = 0
	TypeFixed   Type = 2
	TypeDynamic Type = 3
	TypeDiff    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeFixed:
		return "Fixed"
	case TypeDynamic:
		return "Dynamic"
	case TypeDiff:
		return "Differencing"
	default:
		return "Unknown"
	}
}

func (t Type) valid() bool {
	return t == TypeFixed || t == TypeDynamic || t == TypeDiff
}
