package h264

// H.264 NAL unit types (ITU-T H.264 Table 7-1) used by the codec adapters.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSPS   = 7
	NALTypePPS   = 8
)

// StartCode is the 4-byte Annex-B start code emitted by the encoder device.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// NALUnit locates one NAL unit inside an Annex-B buffer.
type NALUnit struct {
	// PrefixOffset is where the start code preceding the unit begins.
	PrefixOffset int
	// Offset is the first byte after the start code (the NAL header).
	Offset int
	// Length excludes the start code and any trailing zero bytes.
	Length int
	Type   uint8
}

// NALType returns the nal_unit_type carried in a NAL header byte.
func NALType(header byte) uint8 {
	return header & 0x1F
}

// IsParameterSet reports whether the NAL type is an SPS or a PPS.
func IsParameterSet(nalType uint8) bool {
	return nalType == NALTypeSPS || nalType == NALTypePPS
}

// SplitNALUnits scans an Annex-B buffer and returns every NAL unit in order.
// Both 3- and 4-byte start codes are recognised. Zero bytes trailing a unit
// belong to the next start code and are not counted in its length.
func SplitNALUnits(data []byte) []NALUnit {
	var units []NALUnit

	pos := findStartCode(data, 0)
	for pos >= 0 {
		nalStart := pos + 3
		next := findStartCode(data, nalStart)

		end := len(data)
		if next >= 0 {
			end = next
		}
		for end > nalStart && data[end-1] == 0x00 {
			end--
		}

		prefix := pos
		if pos > 0 && data[pos-1] == 0x00 {
			prefix = pos - 1
		}

		if end > nalStart {
			units = append(units, NALUnit{
				PrefixOffset: prefix,
				Offset:       nalStart,
				Length:       end - nalStart,
				Type:         NALType(data[nalStart]),
			})
		}

		pos = next
	}

	return units
}

// findStartCode returns the index of the next 0x000001 sequence at or after
// from, or -1.
func findStartCode(data []byte, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+2 < len(data); i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 && data[i+2] == 0x01 {
			return i
		}
	}
	return -1
}

// IsParameterSets reports whether the buffer opens with an SPS. Encoders
// emit SPS first, so a leading SPS marks a unit that bears parameter sets
// (SPS/PPS, possibly followed by an IDR). A 4-byte start code may be
// shortened to 3 bytes.
func IsParameterSets(data []byte) bool {
	i := findStartCode(data, 0)
	if i < 0 || i > 1 || (i == 1 && data[0] != 0x00) || i+3 >= len(data) {
		return false
	}
	return NALType(data[i+3]) == NALTypeSPS
}

// ParameterSetLength returns the length of the SPS/PPS prefix of a buffer:
// the offset of the start code of the first NAL unit that is neither SPS nor
// PPS, or the whole buffer when it holds parameter sets only.
func ParameterSetLength(data []byte) int {
	for _, nal := range SplitNALUnits(data) {
		if !IsParameterSet(nal.Type) {
			return nal.PrefixOffset
		}
	}
	return len(data)
}

// ExtractParameterSets copies out the SPS and PPS NAL units (without start
// codes) found in an access unit.
func ExtractParameterSets(data []byte) (spss, ppss [][]byte) {
	for _, nal := range SplitNALUnits(data) {
		payload := data[nal.Offset : nal.Offset+nal.Length]
		switch nal.Type {
		case NALTypeSPS:
			spss = append(spss, append([]byte(nil), payload...))
		case NALTypePPS:
			ppss = append(ppss, append([]byte(nil), payload...))
		}
	}
	return spss, ppss
}

// ContainsIDR reports whether any NAL unit in the buffer is an IDR slice.
func ContainsIDR(data []byte) bool {
	for _, nal := range SplitNALUnits(data) {
		if nal.Type == NALTypeIDR {
			return true
		}
	}
	return false
}

// AnnexB joins NAL unit payloads into an Annex-B buffer using 4-byte start
// codes.
func AnnexB(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(StartCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, StartCode...)
		out = append(out, n...)
	}
	return out
}
