//go:build !gocv

package mask

import "image"

// Dilate 用 kw×kh 的矩形结构元膨胀，锚点在 (kw/2, kh/2)，越界部分不参与
func Dilate(m *image.Gray, kw, kh int) *image.Gray {
	m = ToGray(m)
	if kw < 1 {
		kw = 1
	}
	if kh < 1 {
		kh = 1
	}
	w, h := m.Rect.Dx(), m.Rect.Dy()
	ax, ay := kw/2, kh/2

	tmp := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := m.Pix[y*m.Stride:]
		for x := 0; x < w; x++ {
			var v uint8
			for i := x - ax; i <= x+kw-1-ax; i++ {
				if i >= 0 && i < w && row[i] > v {
					v = row[i]
				}
			}
			tmp[y*w+x] = v
		}
	}

	out := image.NewGray(m.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v uint8
			for j := y - ay; j <= y+kh-1-ay; j++ {
				if j >= 0 && j < h && tmp[j*w+x] > v {
					v = tmp[j*w+x]
				}
			}
			out.Pix[y*out.Stride+x] = v
		}
	}
	return out
}
