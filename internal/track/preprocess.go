package track

import (
	"math"

	"github.com/ryosukecooltanaka/minizfvr/internal/config"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Preprocess applies the stytra-style preparation chain: grayscale
// reduction, area downscale, box filter, inversion and background clip.
// Always returns a fresh buffer; the input (a shared-memory view) is not
// retained.
func Preprocess(img types.Image, cfg config.TrackingConfig) types.Image {
	out := grayscale(img)

	if cfg.ImageScale > 0 && cfg.ImageScale < 1 {
		out = downscale(out, cfg.ImageScale)
	}
	if cfg.FilterSize > 1 {
		out = boxFilter(out, cfg.FilterSize)
	}
	if cfg.ColorInvert {
		for i, v := range out.Pix {
			out.Pix[i] = 255 - v
		}
	}
	if cfg.ClipThreshold > 0 {
		// saturating background subtraction
		clip := byte(cfg.ClipThreshold)
		for i, v := range out.Pix {
			if v <= clip {
				out.Pix[i] = 0
			} else {
				out.Pix[i] = v - clip
			}
		}
	}
	return out
}

// grayscale copies channel 0 into a single-channel buffer
func grayscale(img types.Image) types.Image {
	pix := make([]byte, img.Width*img.Height)
	if img.Channels == 1 {
		copy(pix, img.Pix)
	} else {
		for i := range pix {
			pix[i] = img.Pix[i*img.Channels]
		}
	}
	return types.Image{Width: img.Width, Height: img.Height, Channels: 1, Pix: pix}
}

// downscale shrinks by area averaging, the INTER_AREA equivalent for
// scale <= 1
func downscale(img types.Image, scale float64) types.Image {
	ow := int(math.Round(float64(img.Width) * scale))
	oh := int(math.Round(float64(img.Height) * scale))
	if ow < 1 {
		ow = 1
	}
	if oh < 1 {
		oh = 1
	}

	pix := make([]byte, ow*oh)
	inv := 1.0 / scale
	for oy := 0; oy < oh; oy++ {
		y0 := int(float64(oy) * inv)
		y1 := int(float64(oy+1) * inv)
		if y1 > img.Height {
			y1 = img.Height
		}
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for ox := 0; ox < ow; ox++ {
			x0 := int(float64(ox) * inv)
			x1 := int(float64(ox+1) * inv)
			if x1 > img.Width {
				x1 = img.Width
			}
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var sum, n int
			for y := y0; y < y1; y++ {
				row := y * img.Width
				for x := x0; x < x1; x++ {
					sum += int(img.Pix[row+x])
					n++
				}
			}
			pix[oy*ow+ox] = byte(sum / n)
		}
	}
	return types.Image{Width: ow, Height: oh, Channels: 1, Pix: pix}
}

// boxFilter applies a normalized k x k mean filter with edge clamping
func boxFilter(img types.Image, k int) types.Image {
	r := k / 2
	w, h := img.Width, img.Height
	tmp := make([]int, w*h)
	pix := make([]byte, w*h)

	// horizontal pass
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			var sum, n int
			for dx := -r; dx <= r; dx++ {
				xx := clampInt(x+dx, 0, w-1)
				sum += int(img.Pix[row+xx])
				n++
			}
			tmp[row+x] = sum / n
		}
	}
	// vertical pass
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n int
			for dy := -r; dy <= r; dy++ {
				yy := clampInt(y+dy, 0, h-1)
				sum += tmp[yy*w+x]
				n++
			}
			pix[y*w+x] = byte(sum / n)
		}
	}
	return types.Image{Width: w, Height: h, Channels: 1, Pix: pix}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
