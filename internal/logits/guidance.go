// Package logits combines guided logits and samples codebook ids from them.
package logits

// Guide writes uncond + scale·(cond − uncond) into dst and returns it. dst
// may alias neither input; nil dst allocates. A scale of exactly 1 copies
// cond so the unconditional term cancels bit for bit, and 0 copies uncond.
func Guide(dst, cond, uncond []float32, scale float32) []float32 {
	if len(cond) != len(uncond) {
		panic("guide: length mismatch")
	}
	if dst == nil {
		dst = make([]float32, len(cond))
	}
	switch scale {
	case 1:
		copy(dst, cond)
	case 0:
		copy(dst, uncond)
	default:
		for i := range cond {
			dst[i] = uncond[i] + scale*(cond[i]-uncond[i])
		}
	}
	return dst
}
