package disk

// GeometryForVHDCapacity derives a CHS geometry from a byte capacity the
// way the VHD footer's geometry field is populated: an advisory value,
// not a second source of truth for the image's real size.
func GeometryForVHDCapacity(capacityBytes uint64) Geometry {
	return GeometryForCapacityAndSector(capacityBytes, 512)
}

// GeometryForCapacityAndSector is GeometryForVHDCapacity parameterized
// over sector size, for completeness with non-512-byte media.
func GeometryForCapacityAndSector(capacityBytes uint64, sectorSize uint32) Geometry {
	const maxTotalSectors = 65535 * 16 * 255

	totalSectors := capacityBytes / uint64(sectorSize)
	if totalSectors > maxTotalSectors {
		totalSectors = maxTotalSectors
	}

	var heads, sectorsPerTrack uint32
	if totalSectors > 65535*16*63 {
		heads, sectorsPerTrack = 16, 255
	} else {
		sectorsPerTrack = 17
		cylTimesHeads := totalSectors / uint64(sectorsPerTrack)
		heads = uint32((cylTimesHeads + 1024) / 1024)
		if heads < 4 {
			heads = 4
		}

		if cylTimesHeads >= uint64(heads)*1024 || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylTimesHeads = totalSectors / uint64(sectorsPerTrack)
		}

		if cylTimesHeads >= uint64(heads)*1024 {
			sectorsPerTrack = 63
			heads = 16
		}
	}

	cylinders := totalSectors / uint64(sectorsPerTrack) / uint64(heads)

	return Geometry{
		Cylinders:       uint16(cylinders),
		Heads:           uint8(heads),
		SectorsPerTrack: uint8(sectorsPerTrack),
		BytesPerSector:  sectorSize,
	}
}
