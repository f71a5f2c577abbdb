package pipeline

import (
	"image"

	"github.com/nfnt/resize"

	"github.com/chaos-io/bgremove/mask"
)

// resizeWithinMax 缩放（最长边 <= maxSize），不需要缩放时原样返回
func resizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if longest <= maxSize {
		return img
	}
	return resizeTo(img, scaled(w, longest, maxSize), scaled(h, longest, maxSize))
}

// resizeAtLeast 放大（最长边 >= minSize）
func resizeAtLeast(img *image.NRGBA, minSize int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if longest >= minSize {
		return img
	}
	return resizeTo(img, scaled(w, longest, minSize), scaled(h, longest, minSize))
}

func scaled(v, longest, target int) int {
	return max(1, int(float64(v)*float64(target)/float64(longest)+0.5))
}

func resizeTo(img *image.NRGBA, w, h int) *image.NRGBA {
	return mask.ToNRGBA(resize.Resize(uint(w), uint(h), img, resize.Lanczos3))
}

// resizeMask mask 用 Lanczos3 缩放后仍为单通道
func resizeMask(m *image.Gray, w, h int) *image.Gray {
	if b := m.Bounds(); b.Dx() == w && b.Dy() == h {
		return m
	}
	return mask.ToGray(resize.Resize(uint(w), uint(h), m, resize.Lanczos3))
}
