package rembg

import (
	"image"

	"github.com/disintegration/imaging"
)

// SilhouetteContrast 轮廓启发式的对比度增强倍数
const SilhouetteContrast = 1.5

// Silhouette 不依赖模型的轮廓提取：灰度 -> 以均值为中心对比度 x1.5 -> 按均值二值化
// 比均值暗的像素视为前景（浅色背景上的深色主体）
func Silhouette(img image.Image) *image.Gray {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}

	n := w * h
	lum := make([]float64, n)
	var sum float64
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			v := float64(row[x*4])
			lum[y*w+x] = v
			sum += v
		}
	}
	m := sum / float64(n)

	var enhancedSum float64
	for i, v := range lum {
		e := m + SilhouetteContrast*(v-m)
		e = min(max(e, 0), 255)
		lum[i] = e
		enhancedSum += e
	}
	threshold := enhancedSum / float64(n)

	for i, v := range lum {
		if v < threshold {
			out.Pix[i] = 255
		}
	}
	return out
}
