package vhd

import (
	"time"

	uuid "github.com/satori/go.uuid"
)

// nowVHDTime returns the current time as seconds since the VHD epoch
// (2000-01-01T00:00:00Z).
func nowVHDTime() uint32 {
	return uint32(time.Now().Unix() - vhdEpochStart)
}

// checksum computes the VHD one's-complement checksum: the sum of every
// byte of b, bitwise-NOT'd to 32 bits. Callers zero the checksum field
// of b before calling this, both when stamping a checksum and when
// verifying one.
func checksum(b []byte) uint32 {
	var sum uint32
	for _, v := range b {
		sum += uint32(v)
	}
	return ^sum
}

// swapUUID swaps the byte order of a UUID's first three fields (the
// 4-byte time-low, 2-byte time-mid and 2-byte time-hi-and-version) and
// leaves the remaining 8 bytes untouched. VHD stores UUIDs with these
// leading fields in the host's native order rather than network order,
// so every read and write of a UUID field passes through this swap
// exactly once.
func swapUUID(u uuid.UUID) uuid.UUID {
	var out uuid.UUID
	out[0], out[1], out[2], out[3] = u[3], u[2], u[1], u[0]
	out[4], out[5] = u[5], u[4]
	out[6], out[7] = u[7], u[6]
	copy(out[8:], u[8:])
	return out
}

// padTo0xFF returns b extended (if needed) to size n with 0xFF filler.
func padTo0xFF(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	for i := len(b); i < n; i++ {
		out[i] = 0xFF
	}
	return out
}

// roundUpSector rounds n up to the next multiple of SectorSize.
func roundUpSector(n uint64) uint64 {
	return roundUp(n, SectorSize)
}

func roundUp(n, multiple uint64) uint64 {
	if multiple == 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}

func ceilDiv(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}
