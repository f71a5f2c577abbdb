//go:build gocv

package mask

import (
	"image"

	"gocv.io/x/gocv"
)

// GaussianBlur OpenCV 高斯模糊，边界为 BorderReflect101
func GaussianBlur(m *image.Gray, ksize int, sigma float64) *image.Gray {
	m = ToGray(m)
	if ksize < 1 {
		return clone(m)
	}
	if ksize%2 == 0 {
		ksize++
	}
	return filterGray(m, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.GaussianBlur(src, dst, image.Point{X: ksize, Y: ksize}, sigma, sigma, gocv.BorderReflect101)
	})
}

// Canny OpenCV Canny，输出 0/255 边缘图
func Canny(m *image.Gray, low, high float64) *image.Gray {
	return filterGray(ToGray(m), func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Canny(src, dst, float32(low), float32(high))
	})
}

// Dilate 用 kw×kh 的矩形结构元膨胀
func Dilate(m *image.Gray, kw, kh int) *image.Gray {
	kw, kh = max(kw, 1), max(kh, 1)
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: kw, Y: kh})
	defer kernel.Close()

	return filterGray(ToGray(m), func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Dilate(src, dst, kernel)
	})
}

// filterGray 把灰度图拷贝进 Mat，执行 fn 后再拷贝回来；Mat 创建失败时原样返回拷贝
func filterGray(m *image.Gray, fn func(src gocv.Mat, dst *gocv.Mat)) *image.Gray {
	w, h := m.Rect.Dx(), m.Rect.Dy()
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		copy(pix[y*w:(y+1)*w], m.Pix[y*m.Stride:])
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, pix)
	if err != nil {
		return clone(m)
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	fn(src, &dst)

	out := image.NewGray(image.Rect(0, 0, w, h))
	if data := dst.ToBytes(); len(data) == w*h {
		copy(out.Pix, data)
	}
	return out
}
