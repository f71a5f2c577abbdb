//go:build !gocv

package mask

import (
	"image"
)

// Canny 3x3 Sobel + L1 梯度幅值 + 非极大值抑制 + 双阈值滞后连接，输出 0/255 边缘图
func Canny(m *image.Gray, low, high float64) *image.Gray {
	m = ToGray(m)
	w, h := m.Rect.Dx(), m.Rect.Dy()
	out := image.NewGray(m.Rect)
	if w < 3 || h < 3 {
		return out
	}

	at := func(x, y int) int {
		return int(m.Pix[reflect101(y, h)*m.Stride+reflect101(x, w)])
	}

	dx := make([]int, w*h)
	dy := make([]int, w*h)
	mag := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) - at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
			gy := at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) - at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)
			i := y*w + x
			dx[i], dy[i] = gx, gy
			mag[i] = abs(gx) + abs(gy)
		}
	}

	magAt := func(x, y int) int {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	// tan(22.5°) 与 tan(67.5°)
	const (
		tan22 = 0.4142135623730950
		tan67 = 2.4142135623730950
	)

	const (
		none   = 0
		weak   = 1
		strong = 2
	)
	state := make([]uint8, w*h)
	stack := make([]int, 0, 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			mv := mag[i]
			if float64(mv) <= low {
				continue
			}
			ax, ay := float64(abs(dx[i])), float64(abs(dy[i]))
			var isMax bool
			switch {
			case ay <= ax*tan22:
				isMax = mv > magAt(x-1, y) && mv >= magAt(x+1, y)
			case ay >= ax*tan67:
				isMax = mv > magAt(x, y-1) && mv >= magAt(x, y+1)
			default:
				s := 1
				if (dx[i] < 0) != (dy[i] < 0) {
					s = -1
				}
				isMax = mv > magAt(x-s, y-1) && mv >= magAt(x+s, y+1)
			}
			if !isMax {
				continue
			}
			if float64(mv) > high {
				state[i] = strong
				stack = append(stack, i)
			} else {
				state[i] = weak
			}
		}
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.Pix[(i/w)*out.Stride+i%w] = 255
		x, y := i%w, i/w
		for ny := y - 1; ny <= y+1; ny++ {
			for nx := x - 1; nx <= x+1; nx++ {
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] == weak {
					state[j] = strong
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
