package audio

// G.711 companding per ITU-T G.711, using the segment layout of the Sun reference
// implementation so every code word maps to the same linear value as Asterisk.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var alawSegmentEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

var (
	mulawDecodeTable [256]int16
	alawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = mulawToLinear(byte(i))
		alawDecodeTable[i] = alawToLinear(byte(i))
	}
}

// MulawEncode compands one linear sample.
func MulawEncode(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MulawDecode expands one code word.
func MulawDecode(b byte) int16 {
	return mulawDecodeTable[b]
}

func mulawToLinear(b byte) int16 {
	u := ^b
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// AlawEncode compands one linear sample.
func AlawEncode(sample int16) byte {
	v := int(sample) >> 3
	mask := 0xD5
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := 0
	for seg < len(alawSegmentEnd) && v > alawSegmentEnd[seg] {
		seg++
	}
	if seg >= len(alawSegmentEnd) {
		return byte(0x7F ^ mask)
	}

	aval := seg << 4
	if seg < 2 {
		aval |= (v >> 1) & 0x0F
	} else {
		aval |= (v >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

// AlawDecode expands one code word.
func AlawDecode(b byte) int16 {
	return alawDecodeTable[b]
}

func alawToLinear(b byte) int16 {
	a := b ^ 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
