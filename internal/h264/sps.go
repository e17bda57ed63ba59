package h264

import (
	"fmt"
)

// Profile identifiers (profile_idc)
const (
	ProfileBaseline = 66
	ProfileMain     = 77
	ProfileHigh     = 100
)

// SPS holds the fields of a Sequence Parameter Set needed to recover the
// picture dimensions.
type SPS struct {
	ProfileIdc                uint32
	ConstraintSetFlags        uint32
	LevelIdc                  uint32
	SeqParameterSetID         uint32
	ChromaFormatIdc           uint32
	SeparateColourPlaneFlag   bool
	Log2MaxFrameNumMinus4     uint32
	PicOrderCntType           uint32
	MaxNumRefFrames           uint32
	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	FrameMbsOnlyFlag          bool
	FrameCroppingFlag         bool
	FrameCropLeftOffset       uint32
	FrameCropRightOffset      uint32
	FrameCropTopOffset        uint32
	FrameCropBottomOffset     uint32
	VuiParametersPresent      bool
}

// Dimensions returns the cropped picture width and height.
func (sps *SPS) Dimensions() (width, height int) {
	picWidthInSamples := (sps.PicWidthInMbsMinus1 + 1) * 16
	picHeightInSamples := (2 - uint32(boolToInt(sps.FrameMbsOnlyFlag))) * (sps.PicHeightInMapUnitsMinus1 + 1) * 16

	w := picWidthInSamples
	h := picHeightInSamples

	if sps.FrameCroppingFlag {
		var subWidthC, subHeightC uint32 = 1, 1
		switch sps.ChromaFormatIdc {
		case 1: // 4:2:0
			subWidthC, subHeightC = 2, 2
		case 2: // 4:2:2
			subWidthC, subHeightC = 2, 1
		}
		if sps.SeparateColourPlaneFlag {
			subWidthC, subHeightC = 1, 1
		}

		cropUnitX := subWidthC
		cropUnitY := subHeightC * (2 - uint32(boolToInt(sps.FrameMbsOnlyFlag)))

		w -= (sps.FrameCropLeftOffset + sps.FrameCropRightOffset) * cropUnitX
		h -= (sps.FrameCropTopOffset + sps.FrameCropBottomOffset) * cropUnitY
	}

	return int(w), int(h)
}

// ParseSPS parses an SPS NAL unit, including its one-byte NAL header.
func ParseSPS(nal []byte) (*SPS, error) {
	if len(nal) < 4 {
		return nil, fmt.Errorf("SPS too short")
	}
	if t := NALType(nal[0]); t != NALTypeSPS {
		return nil, fmt.Errorf("not an SPS NAL unit: type %d", t)
	}

	br := newBitReader(removeEmulationPrevention(nal[1:]))
	sps := &SPS{ChromaFormatIdc: 1}

	var err error
	if sps.ProfileIdc, err = br.u(8); err != nil {
		return nil, fmt.Errorf("failed to read profile_idc: %w", err)
	}
	if sps.ConstraintSetFlags, err = br.u(8); err != nil {
		return nil, fmt.Errorf("failed to read constraint flags: %w", err)
	}
	if sps.LevelIdc, err = br.u(8); err != nil {
		return nil, fmt.Errorf("failed to read level_idc: %w", err)
	}
	if sps.SeqParameterSetID, err = br.ue(); err != nil {
		return nil, fmt.Errorf("failed to read seq_parameter_set_id: %w", err)
	}

	if isHighProfile(sps.ProfileIdc) {
		if err := parseChromaInfo(br, sps); err != nil {
			return nil, err
		}
	}

	if sps.Log2MaxFrameNumMinus4, err = br.ue(); err != nil {
		return nil, fmt.Errorf("failed to read log2_max_frame_num_minus4: %w", err)
	}
	if sps.PicOrderCntType, err = br.ue(); err != nil {
		return nil, fmt.Errorf("failed to read pic_order_cnt_type: %w", err)
	}

	switch sps.PicOrderCntType {
	case 0:
		if _, err = br.ue(); err != nil {
			return nil, fmt.Errorf("failed to read log2_max_pic_order_cnt_lsb_minus4: %w", err)
		}
	case 1:
		if _, err = br.u(1); err != nil {
			return nil, fmt.Errorf("failed to read delta_pic_order_always_zero_flag: %w", err)
		}
		if _, err = br.se(); err != nil {
			return nil, fmt.Errorf("failed to read offset_for_non_ref_pic: %w", err)
		}
		if _, err = br.se(); err != nil {
			return nil, fmt.Errorf("failed to read offset_for_top_to_bottom_field: %w", err)
		}
		cycle, err := br.ue()
		if err != nil {
			return nil, fmt.Errorf("failed to read num_ref_frames_in_pic_order_cnt_cycle: %w", err)
		}
		for i := uint32(0); i < cycle; i++ {
			if _, err = br.se(); err != nil {
				return nil, fmt.Errorf("failed to read offset_for_ref_frame[%d]: %w", i, err)
			}
		}
	}

	if sps.MaxNumRefFrames, err = br.ue(); err != nil {
		return nil, fmt.Errorf("failed to read max_num_ref_frames: %w", err)
	}
	if _, err = br.u(1); err != nil {
		return nil, fmt.Errorf("failed to read gaps_in_frame_num_value_allowed_flag: %w", err)
	}
	if sps.PicWidthInMbsMinus1, err = br.ue(); err != nil {
		return nil, fmt.Errorf("failed to read pic_width_in_mbs_minus1: %w", err)
	}
	if sps.PicHeightInMapUnitsMinus1, err = br.ue(); err != nil {
		return nil, fmt.Errorf("failed to read pic_height_in_map_units_minus1: %w", err)
	}
	if sps.FrameMbsOnlyFlag, err = br.flag(); err != nil {
		return nil, fmt.Errorf("failed to read frame_mbs_only_flag: %w", err)
	}
	if !sps.FrameMbsOnlyFlag {
		if _, err = br.u(1); err != nil {
			return nil, fmt.Errorf("failed to read mb_adaptive_frame_field_flag: %w", err)
		}
	}
	if _, err = br.u(1); err != nil {
		return nil, fmt.Errorf("failed to read direct_8x8_inference_flag: %w", err)
	}
	if sps.FrameCroppingFlag, err = br.flag(); err != nil {
		return nil, fmt.Errorf("failed to read frame_cropping_flag: %w", err)
	}
	if sps.FrameCroppingFlag {
		offsets := []*uint32{
			&sps.FrameCropLeftOffset,
			&sps.FrameCropRightOffset,
			&sps.FrameCropTopOffset,
			&sps.FrameCropBottomOffset,
		}
		for _, off := range offsets {
			if *off, err = br.ue(); err != nil {
				return nil, fmt.Errorf("failed to read frame crop offset: %w", err)
			}
		}
	}

	// vui_parameters_present_flag is optional for dimension recovery
	if vui, err := br.flag(); err == nil {
		sps.VuiParametersPresent = vui
	}

	return sps, nil
}

func parseChromaInfo(br *bitReader, sps *SPS) error {
	var err error
	if sps.ChromaFormatIdc, err = br.ue(); err != nil {
		return fmt.Errorf("failed to read chroma_format_idc: %w", err)
	}
	if sps.ChromaFormatIdc == 3 {
		if sps.SeparateColourPlaneFlag, err = br.flag(); err != nil {
			return fmt.Errorf("failed to read separate_colour_plane_flag: %w", err)
		}
	}
	// bit_depth_luma_minus8, bit_depth_chroma_minus8
	for i := 0; i < 2; i++ {
		if _, err = br.ue(); err != nil {
			return fmt.Errorf("failed to read bit depth: %w", err)
		}
	}
	if _, err = br.u(1); err != nil {
		return fmt.Errorf("failed to read qpprime_y_zero_transform_bypass_flag: %w", err)
	}
	present, err := br.flag()
	if err != nil {
		return fmt.Errorf("failed to read seq_scaling_matrix_present_flag: %w", err)
	}
	if !present {
		return nil
	}

	lists := 8
	if sps.ChromaFormatIdc == 3 {
		lists = 12
	}
	for i := 0; i < lists; i++ {
		listPresent, err := br.flag()
		if err != nil {
			return fmt.Errorf("failed to read scaling_list_present_flag[%d]: %w", i, err)
		}
		if listPresent {
			if err := skipScalingList(br, i); err != nil {
				return fmt.Errorf("failed to skip scaling list: %w", err)
			}
		}
	}
	return nil
}

// skipScalingList skips a scaling list in the SPS
func skipScalingList(br *bitReader, index int) error {
	size := 16
	if index >= 6 {
		size = 64
	}

	lastScale := int32(8)
	nextScale := int32(8)

	for i := 0; i < size; i++ {
		if nextScale != 0 {
			deltaScale, err := br.se()
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}

	return nil
}

func isHighProfile(profile uint32) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138:
		return true
	}
	return false
}

// SPSParams describes a progressive 4:2:0 stream for BuildSPS.
type SPSParams struct {
	Width      int
	Height     int
	ProfileIdc uint8
	LevelIdc   uint8
}

// BuildSPS writes a minimal SPS NAL unit (with header) for the given
// dimensions. Dimensions that are not multiples of 16 are expressed through
// frame cropping; width and height must be even.
func BuildSPS(p SPSParams) []byte {
	if p.ProfileIdc == 0 {
		p.ProfileIdc = ProfileBaseline
	}
	if p.LevelIdc == 0 {
		p.LevelIdc = 30
	}

	mbWidth := (p.Width + 15) / 16
	mbHeight := (p.Height + 15) / 16
	cropRight := uint32(mbWidth*16-p.Width) / 2
	cropBottom := uint32(mbHeight*16-p.Height) / 2

	bw := newBitWriter()
	bw.u(uint32(p.ProfileIdc), 8)
	var constraints uint32
	if p.ProfileIdc == ProfileBaseline {
		constraints = 0xC0 // constraint_set0_flag and constraint_set1_flag
	}
	bw.u(constraints, 8)
	bw.u(uint32(p.LevelIdc), 8)
	bw.ue(0) // seq_parameter_set_id

	if isHighProfile(uint32(p.ProfileIdc)) {
		bw.ue(1)   // chroma_format_idc 4:2:0
		bw.ue(0)   // bit_depth_luma_minus8
		bw.ue(0)   // bit_depth_chroma_minus8
		bw.u(0, 1) // qpprime_y_zero_transform_bypass_flag
		bw.u(0, 1) // seq_scaling_matrix_present_flag
	}

	bw.ue(0) // log2_max_frame_num_minus4
	bw.ue(2) // pic_order_cnt_type
	bw.ue(1) // max_num_ref_frames
	bw.u(0, 1)
	bw.ue(uint32(mbWidth - 1))
	bw.ue(uint32(mbHeight - 1))
	bw.u(1, 1) // frame_mbs_only_flag
	bw.u(1, 1) // direct_8x8_inference_flag

	cropping := cropRight != 0 || cropBottom != 0
	bw.flag(cropping)
	if cropping {
		bw.ue(0)
		bw.ue(cropRight)
		bw.ue(0)
		bw.ue(cropBottom)
	}
	bw.u(0, 1) // vui_parameters_present_flag
	bw.trailing()

	// forbidden_zero_bit 0, nal_ref_idc 3
	return append([]byte{0x60 | NALTypeSPS}, addEmulationPrevention(bw.bytes())...)
}

// BuildPPS writes a minimal CAVLC PPS NAL unit (with header) referencing SPS 0.
func BuildPPS() []byte {
	bw := newBitWriter()
	bw.ue(0)   // pic_parameter_set_id
	bw.ue(0)   // seq_parameter_set_id
	bw.u(0, 1) // entropy_coding_mode_flag
	bw.u(0, 1) // bottom_field_pic_order_in_frame_present_flag
	bw.ue(0)   // num_slice_groups_minus1
	bw.ue(0)   // num_ref_idx_l0_default_active_minus1
	bw.ue(0)   // num_ref_idx_l1_default_active_minus1
	bw.u(0, 1) // weighted_pred_flag
	bw.u(0, 2)
	bw.se(0)   // pic_init_qp_minus26
	bw.se(0)   // pic_init_qs_minus26
	bw.se(0)   // chroma_qp_index_offset
	bw.u(1, 1) // deblocking_filter_control_present_flag
	bw.u(0, 1) // constrained_intra_pred_flag
	bw.u(0, 1) // redundant_pic_cnt_present_flag
	bw.trailing()

	return append([]byte{0x60 | NALTypePPS}, addEmulationPrevention(bw.bytes())...)
}

// removeEmulationPrevention removes emulation prevention bytes (0x03) from
// the byte sequence 0x00 0x00 0x03 0xNN where NN is 0x00, 0x01, 0x02, or 0x03.
func removeEmulationPrevention(data []byte) []byte {
	if len(data) < 3 {
		return data
	}

	result := make([]byte, 0, len(data))
	zeros := 0
	for i := 0; i < len(data); i++ {
		if zeros >= 2 && data[i] == 0x03 && (i+1 >= len(data) || data[i+1] <= 0x03) {
			zeros = 0
			continue
		}
		if data[i] == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		result = append(result, data[i])
	}

	return result
}

// addEmulationPrevention inserts 0x03 wherever two zero bytes are followed by
// a byte in 0x00-0x03.
func addEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+4)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
