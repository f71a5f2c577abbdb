package mask

import (
	"context"
	"image"
)

const (
	DefaultEdgeRadius = 5
	// MaxEdgeRadius 羽化核为 4r+1，超过该半径的请求由调用方拒绝
	MaxEdgeRadius = 32

	CannyLow  = 50
	CannyHigh = 150
)

// RefineOptions 边缘后处理参数
type RefineOptions struct {
	Smooth  bool
	Feather bool
	Radius  int
}

// radius 非正数取默认值，超过上限按上限处理
func (o RefineOptions) radius() int {
	switch {
	case o.Radius <= 0:
		return DefaultEdgeRadius
	case o.Radius > MaxEdgeRadius:
		return MaxEdgeRadius
	default:
		return o.Radius
	}
}

// Refine 平滑与羽化 mask 边缘；两个开关都关闭时原样返回一份拷贝
// 同时开启时先平滑，羽化读取的是平滑后的 mask。每个滤波之间检查 ctx
func Refine(ctx context.Context, m *image.Gray, opts RefineOptions) (*image.Gray, error) {
	out := clone(ToGray(m))
	r := opts.radius()

	if opts.Smooth {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = GaussianBlur(out, 2*r+1, float64(r)/2)
	}

	if opts.Feather {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edges := Dilate(Canny(out, CannyLow, CannyHigh), r, r)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		heavy := GaussianBlur(out, 4*r+1, float64(r))
		for i, e := range edges.Pix {
			if e > 0 {
				out.Pix[i] = heavy.Pix[i]
			}
		}
	}

	return out, nil
}
