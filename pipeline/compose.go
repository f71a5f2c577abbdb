package pipeline

import (
	"image"

	"github.com/chaos-io/bgremove/mask"
)

// compose 按模式输出：keep_subject 用 mask 作 alpha，keep_background 用反转的 mask，mask 模式直接输出灰度图
func compose(img *image.NRGBA, m *image.Gray, mode Mode) image.Image {
	switch mode {
	case ModeMask:
		return m
	case ModeKeepBackground:
		return withAlpha(img, mask.Invert(m))
	default:
		return withAlpha(img, m)
	}
}

// withAlpha 复制 RGB，alpha 通道替换为 m
func withAlpha(img *image.NRGBA, m *image.Gray) *image.NRGBA {
	img = mask.ToNRGBA(img)
	m = mask.ToGray(m)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		alpha := m.Pix[y*m.Stride:]
		for x := 0; x < w; x++ {
			dst[x*4] = src[x*4]
			dst[x*4+1] = src[x*4+1]
			dst[x*4+2] = src[x*4+2]
			dst[x*4+3] = alpha[x]
		}
	}
	return out
}
