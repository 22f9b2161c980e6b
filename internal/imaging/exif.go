package imaging

import "encoding/binary"

// exifOrientationTag is the TIFF tag number for image orientation.
const exifOrientationTag = 0x0112

// Orientation extracts the EXIF orientation (1..8) from a JPEG byte stream.
// It returns 1 (normal) when the stream carries no usable orientation: not a
// JPEG, no APP1 segment, malformed TIFF data, or an out-of-range value.
func Orientation(data []byte) int {
	// SOI marker.
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 1
	}

	// Walk the JPEG segment list looking for APP1/Exif.
	offset := 2
	for offset+4 <= len(data) {
		if data[offset] != 0xFF {
			return 1
		}
		marker := data[offset+1]

		// Standalone markers without a length field.
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			offset += 2
			continue
		}
		// Start of scan: entropy-coded data follows, no EXIF past here.
		if marker == 0xDA {
			return 1
		}

		segLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if segLen < 2 || offset+2+segLen > len(data) {
			return 1
		}

		if marker == 0xE1 {
			payload := data[offset+4 : offset+2+segLen]
			if o := tiffOrientation(payload); o != 0 {
				return o
			}
		}
		offset += 2 + segLen
	}
	return 1
}

// tiffOrientation parses an APP1 payload ("Exif\0\0" + TIFF) and returns the
// orientation value, or 0 when absent.
func tiffOrientation(payload []byte) int {
	if len(payload) < 14 || string(payload[:6]) != "Exif\x00\x00" {
		return 0
	}
	tiff := payload[6:]

	var order binary.ByteOrder
	switch {
	case tiff[0] == 'I' && tiff[1] == 'I':
		order = binary.LittleEndian
	case tiff[0] == 'M' && tiff[1] == 'M':
		order = binary.BigEndian
	default:
		return 0
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return 0
	}

	ifdOffset := int(order.Uint32(tiff[4:8]))
	if ifdOffset < 8 || ifdOffset+2 > len(tiff) {
		return 0
	}

	count := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	entries := tiff[ifdOffset+2:]
	for i := 0; i < count; i++ {
		base := i * 12
		if base+12 > len(entries) {
			return 0
		}
		tag := order.Uint16(entries[base : base+2])
		if tag != exifOrientationTag {
			continue
		}
		typ := order.Uint16(entries[base+2 : base+4])
		if typ != 3 { // SHORT
			return 0
		}
		// SHORT values fit inline in the 4-byte value field.
		v := int(order.Uint16(entries[base+8 : base+10]))
		if v >= 1 && v <= 8 {
			return v
		}
		return 0
	}
	return 0
}
