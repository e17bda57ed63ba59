package h264

import "errors"

var errBitstreamEnd = errors.New("h264: unexpected end of RBSP")

// bitReader reads RBSP syntax elements MSB first. pos counts bits.
type bitReader struct {
	data []byte
	pos  int
}

func newBitReader(rbsp []byte) *bitReader {
	return &bitReader{data: rbsp}
}

func (r *bitReader) remaining() int {
	return len(r.data)*8 - r.pos
}

// u reads an n-bit unsigned field, u(n).
func (r *bitReader) u(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, errors.New("h264: field wider than 32 bits")
	}
	if r.remaining() < n {
		return 0, errBitstreamEnd
	}
	var v uint32
	for i := 0; i < n; i++ {
		b := (r.data[r.pos>>3] >> (7 - uint(r.pos&7))) & 1
		v = v<<1 | uint32(b)
		r.pos++
	}
	return v, nil
}

func (r *bitReader) flag() (bool, error) {
	v, err := r.u(1)
	return v == 1, err
}

// ue reads an Exp-Golomb coded unsigned value, ue(v).
func (r *bitReader) ue() (uint32, error) {
	zeros := 0
	for {
		b, err := r.u(1)
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if zeros++; zeros > 31 {
			return 0, errors.New("h264: ue(v) prefix too long")
		}
	}
	suffix, err := r.u(zeros)
	if err != nil {
		return 0, err
	}
	return (1<<zeros - 1) + suffix, nil
}

// se reads an Exp-Golomb coded signed value, se(v).
func (r *bitReader) se() (int32, error) {
	k, err := r.ue()
	if err != nil {
		return 0, err
	}
	if k&1 == 0 {
		return -int32(k >> 1), nil
	}
	return int32((k + 1) >> 1), nil
}

// bitWriter is the encoding counterpart of bitReader, used to synthesize
// parameter sets.
type bitWriter struct {
	data []byte
	pos  int
}

func newBitWriter() *bitWriter {
	return &bitWriter{data: make([]byte, 0, 32)}
}

func (w *bitWriter) u(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.pos&7 == 0 {
			w.data = append(w.data, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.data[len(w.data)-1] |= 1 << (7 - uint(w.pos&7))
		}
		w.pos++
	}
}

func (w *bitWriter) flag(b bool) {
	if b {
		w.u(1, 1)
	} else {
		w.u(0, 1)
	}
}

func (w *bitWriter) ue(v uint32) {
	n := 0
	for t := v + 1; t > 1; t >>= 1 {
		n++
	}
	w.u(0, n)
	w.u(v+1, n+1)
}

func (w *bitWriter) se(v int32) {
	if v <= 0 {
		w.ue(uint32(-v) * 2)
		return
	}
	w.ue(uint32(v)*2 - 1)
}

// trailing writes rbsp_trailing_bits.
func (w *bitWriter) trailing() {
	w.u(1, 1)
	for w.pos&7 != 0 {
		w.u(0, 1)
	}
}

func (w *bitWriter) bytes() []byte {
	return w.data
}
