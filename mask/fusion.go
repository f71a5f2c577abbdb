package mask

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

const DefaultTolerance = 20

// HintColors 用户涂抹 guidance 时使用的颜色
type HintColors struct {
	Keep      color.NRGBA
	Remove    color.NRGBA
	Tolerance int
}

func DefaultHintColors() HintColors {
	return HintColors{
		Keep:      color.NRGBA{R: 34, G: 197, B: 94, A: 255},
		Remove:    color.NRGBA{R: 239, G: 68, B: 68, A: 255},
		Tolerance: DefaultTolerance,
	}
}

// ParseHintColors 解析 "#22c55e" 形式的颜色
func ParseHintColors(keepHex, removeHex string, tolerance int) (HintColors, error) {
	hints := DefaultHintColors()
	if keepHex != "" {
		c, err := colorful.Hex(keepHex)
		if err != nil {
			return hints, fmt.Errorf("keep color %q: %w", keepHex, err)
		}
		r, g, b := c.RGB255()
		hints.Keep = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	if removeHex != "" {
		c, err := colorful.Hex(removeHex)
		if err != nil {
			return hints, fmt.Errorf("remove color %q: %w", removeHex, err)
		}
		r, g, b := c.RGB255()
		hints.Remove = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	if tolerance > 0 {
		hints.Tolerance = tolerance
	}
	return hints, nil
}

// Matches 每个通道的差值都严格小于 tolerance 才算命中
func (h HintColors) Matches(r, g, b uint8, target color.NRGBA) bool {
	return absDiff(r, target.R) < h.Tolerance &&
		absDiff(g, target.G) < h.Tolerance &&
		absDiff(b, target.B) < h.Tolerance
}

// Fuse 用 guidance 覆盖自动 mask：keep 色 -> 255，remove 色 -> 0，其余沿用自动值
// guidance 尺寸不一致时先最近邻缩放到 auto 的尺寸
func Fuse(auto *image.Gray, guidance image.Image, hints HintColors) *image.Gray {
	auto = ToGray(auto)
	w, h := auto.Rect.Dx(), auto.Rect.Dy()
	g := ToNRGBA(ResizeNearest(guidance, w, h))

	out := clone(auto)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < w; x++ {
			r, gg, b := row[x*4], row[x*4+1], row[x*4+2]
			switch {
			case hints.Matches(r, gg, b, hints.Keep):
				out.Pix[y*out.Stride+x] = 255
			case hints.Matches(r, gg, b, hints.Remove):
				out.Pix[y*out.Stride+x] = 0
			}
		}
	}
	return out
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
