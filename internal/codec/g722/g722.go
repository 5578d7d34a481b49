// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_g722 is an ITU-T G.722 decoder (64 kbit/s mode). Each
// input octet carries a 6-bit lower-band and a 2-bit upper-band ADPCM code;
// the QMF synthesis filter reconstructs two 16 kHz PCM samples per octet.
//
// Only decode is implemented — the gateway never sends G.722 upstream.
package internal_g722

// Quantizer / scale tables from the ITU-T G.722 specification.
var (
	wl   = [8]int{-60, -30, 58, 172, 334, 538, 1198, 3042}
	rl42 = [16]int{0, 7, 6, 5, 4, 3, 2, 1, 7, 6, 5, 4, 3, 2, 1, 0}
	ilb  = [32]int{
		2048, 2093, 2139, 2186, 2233, 2282, 2332, 2383,
		2435, 2489, 2543, 2599, 2656, 2714, 2774, 2834,
		2896, 2960, 3025, 3091, 3158, 3228, 3298, 3371,
		3444, 3520, 3597, 3676, 3756, 3838, 3922, 4008,
	}
	wh  = [3]int{0, -214, 798}
	rh2 = [4]int{2, 1, 2, 1}
	qm2 = [4]int{-7408, -1616, 7408, 1616}
	qm4 = [16]int{
		0, -20456, -12896, -8968, -6288, -4240, -2584, -1200,
		20456, 12896, 8968, 6288, 4240, 2584, 1200, 0,
	}
	qm6 = [64]int{
		-136, -136, -136, -136, -24808, -21904, -19008, -16704,
		-14984, -13512, -12280, -11192, -10232, -9360, -8576, -7856,
		-7192, -6576, -6000, -5456, -4944, -4464, -4008, -3576,
		-3168, -2776, -2400, -2032, -1688, -1360, -1040, -728,
		24808, 21904, 19008, 16704, 14984, 13512, 12280, 11192,
		10232, 9360, 8576, 7856, 7192, 6576, 6000, 5456,
		4944, 4464, 4008, 3576, 3168, 2776, 2400, 2032,
		1688, 1360, 1040, 728, 432, 136, -432, -136,
	}
	qmfCoeffs = [12]int{3, -11, 12, 32, -210, 951, 3876, -805, 362, -156, 53, -11}
)

type band struct {
	s   int
	sp  int
	sz  int
	r   [3]int
	a   [3]int
	ap  [3]int
	p   [3]int
	d   [7]int
	b   [7]int
	bp  [7]int
	sg  [7]int
	nb  int
	det int
}

// Decoder holds the adaptive predictor state for both sub-bands plus the QMF
// delay line. One Decoder per stream; codes are context-dependent.
type Decoder struct {
	band [2]band
	x    [24]int
}

// NewDecoder returns a decoder in the ITU reset state.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.band[0].det = 32
	d.band[1].det = 8
	return d
}

func saturate(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// Decode expands G.722 octets into 16 kHz PCM16; two samples per octet.
func (dec *Decoder) Decode(data []byte) []int16 {
	out := make([]int16, 0, len(data)*2)
	for _, code := range data {
		wd1 := int(code) & 0x3F
		ihigh := int(code>>6) & 0x03
		wd2 := qm6[wd1]
		wd1 >>= 2

		// Lower band: inverse quantize with the 6-bit table, reconstruct,
		// then adapt the scale factor from the 4-bit core bits.
		wd2 = (dec.band[0].det * wd2) >> 15
		rlow := dec.band[0].s + wd2
		if rlow > 16383 {
			rlow = 16383
		} else if rlow < -16384 {
			rlow = -16384
		}

		wd2 = qm4[wd1]
		dlowt := (dec.band[0].det * wd2) >> 15

		wd2 = rl42[wd1]
		wd1 = (dec.band[0].nb * 127) >> 7
		wd1 += wl[wd2]
		if wd1 < 0 {
			wd1 = 0
		} else if wd1 > 18432 {
			wd1 = 18432
		}
		dec.band[0].nb = wd1

		wd1 = (dec.band[0].nb >> 6) & 31
		wd2 = 8 - (dec.band[0].nb >> 11)
		wd3 := 0
		if wd2 < 0 {
			wd3 = ilb[wd1] << uint(-wd2)
		} else {
			wd3 = ilb[wd1] >> uint(wd2)
		}
		dec.band[0].det = wd3 << 2

		dec.adapt(0, dlowt)

		// Upper band: 2-bit inverse quantize and adapt.
		wd2 = qm2[ihigh]
		dhigh := (dec.band[1].det * wd2) >> 15
		rhigh := dhigh + dec.band[1].s
		if rhigh > 16383 {
			rhigh = 16383
		} else if rhigh < -16384 {
			rhigh = -16384
		}

		wd2 = rh2[ihigh]
		wd1 = (dec.band[1].nb * 127) >> 7
		wd1 += wh[wd2]
		if wd1 < 0 {
			wd1 = 0
		} else if wd1 > 22528 {
			wd1 = 22528
		}
		dec.band[1].nb = wd1

		wd1 = (dec.band[1].nb >> 6) & 31
		wd2 = 10 - (dec.band[1].nb >> 11)
		if wd2 < 0 {
			wd3 = ilb[wd1] << uint(-wd2)
		} else {
			wd3 = ilb[wd1] >> uint(wd2)
		}
		dec.band[1].det = wd3 << 2

		dec.adapt(1, dhigh)

		// QMF synthesis: recombine the sub-bands into two output samples.
		copy(dec.x[:22], dec.x[2:24])
		dec.x[22] = rlow + rhigh
		dec.x[23] = rlow - rhigh

		xout1, xout2 := 0, 0
		for i := 0; i < 12; i++ {
			xout2 += dec.x[2*i] * qmfCoeffs[i]
			xout1 += dec.x[2*i+1] * qmfCoeffs[11-i]
		}
		out = append(out, int16(saturate(xout1>>11)), int16(saturate(xout2>>11)))
	}
	return out
}

// adapt is the shared pole/zero predictor update (G.722 block 4).
func (dec *Decoder) adapt(bandIdx, d int) {
	b := &dec.band[bandIdx]

	b.d[0] = d
	b.r[0] = saturate(b.s + d)
	b.p[0] = saturate(b.sz + d)

	// UPPOL2
	for i := 0; i < 3; i++ {
		b.sg[i] = b.p[i] >> 15
	}
	wd1 := saturate(b.a[1] << 2)
	wd2 := wd1
	if b.sg[0] == b.sg[1] {
		wd2 = -wd1
	}
	if wd2 > 32767 {
		wd2 = 32767
	}
	wd3 := -128
	if b.sg[0] == b.sg[2] {
		wd3 = 128
	}
	wd3 += wd2 >> 7
	wd3 += (b.a[2] * 32512) >> 15
	if wd3 > 12288 {
		wd3 = 12288
	} else if wd3 < -12288 {
		wd3 = -12288
	}
	b.ap[2] = wd3

	// UPPOL1
	b.sg[0] = b.p[0] >> 15
	b.sg[1] = b.p[1] >> 15
	wd1 = -192
	if b.sg[0] == b.sg[1] {
		wd1 = 192
	}
	wd2 = (b.a[1] * 32640) >> 15
	b.ap[1] = saturate(wd1 + wd2)
	wd3 = saturate(15360 - b.ap[2])
	if b.ap[1] > wd3 {
		b.ap[1] = wd3
	} else if b.ap[1] < -wd3 {
		b.ap[1] = -wd3
	}

	// UPZERO
	wd1 = 0
	if d != 0 {
		wd1 = 128
	}
	b.sg[0] = d >> 15
	for i := 1; i < 7; i++ {
		b.sg[i] = b.d[i] >> 15
		wd2 = -wd1
		if b.sg[i] == b.sg[0] {
			wd2 = wd1
		}
		wd3 = (b.b[i] * 32640) >> 15
		b.bp[i] = saturate(wd2 + wd3)
	}

	// DELAYA
	for i := 6; i > 0; i-- {
		b.d[i] = b.d[i-1]
		b.b[i] = b.bp[i]
	}
	for i := 2; i > 0; i-- {
		b.r[i] = b.r[i-1]
		b.p[i] = b.p[i-1]
		b.a[i] = b.ap[i]
	}

	// FILTEP
	wd1 = saturate(b.r[1] + b.r[1])
	wd1 = (b.a[1] * wd1) >> 15
	wd2 = saturate(b.r[2] + b.r[2])
	wd2 = (b.a[2] * wd2) >> 15
	b.sp = saturate(wd1 + wd2)

	// FILTEZ
	b.sz = 0
	for i := 6; i > 0; i-- {
		wd1 = saturate(b.d[i] + b.d[i])
		b.sz += (b.b[i] * wd1) >> 15
	}
	b.sz = saturate(b.sz)

	// PREDIC
	b.s = saturate(b.sp + b.sz)
}
