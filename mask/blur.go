//go:build !gocv

package mask

import (
	"image"
	"math"
)

// gaussianKernel 生成归一化的一维高斯核，ksize 为奇数
func gaussianKernel(ksize int, sigma float64) []float64 {
	if sigma <= 0 {
		// 与 OpenCV 在 sigma<=0 时的推导一致
		sigma = 0.3*(float64(ksize-1)*0.5-1) + 0.8
	}
	k := make([]float64, ksize)
	half := ksize / 2
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianBlur 可分离高斯模糊，边界按 reflect-101 处理
func GaussianBlur(m *image.Gray, ksize int, sigma float64) *image.Gray {
	m = ToGray(m)
	if ksize < 1 {
		return clone(m)
	}
	if ksize%2 == 0 {
		ksize++
	}
	w, h := m.Rect.Dx(), m.Rect.Dy()
	k := gaussianKernel(ksize, sigma)
	half := ksize / 2

	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := m.Pix[y*m.Stride:]
		for x := 0; x < w; x++ {
			var sum float64
			for i, kv := range k {
				sum += kv * float64(row[reflect101(x+i-half, w)])
			}
			tmp[y*w+x] = sum
		}
	}

	out := image.NewGray(m.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for i, kv := range k {
				sum += kv * tmp[reflect101(y+i-half, h)*w+x]
			}
			out.Pix[y*out.Stride+x] = clamp8(sum)
		}
	}
	return out
}

// reflect101 把越界下标镜像回 [0,n)，边缘像素本身不重复：dcb|abcd|cba
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}
