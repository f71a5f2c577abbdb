package mask

import (
	"context"
	"errors"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// Label 像素标签，取值与 OpenCV 的 GC_BGD/GC_FGD/GC_PR_BGD/GC_PR_FGD 一致
type Label uint8

const (
	Background     Label = 0
	Foreground     Label = 1
	ProbBackground Label = 2
	ProbForeground Label = 3
)

const (
	DefaultIterations = 5
	DefaultMaxSide    = 512

	// guidance 灰度阈值
	seedBackgroundMax = 10
	seedForegroundMin = 245
)

var ErrSegmentation = errors.New("guided segmentation failed")

// SegmentationError 可恢复的分割失败，调用方应回退到自动 mask
type SegmentationError struct {
	Reason string
	Err    error
}

func (e *SegmentationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrSegmentation, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrSegmentation, e.Reason)
}

func (e *SegmentationError) Is(target error) bool {
	return target == ErrSegmentation
}

func (e *SegmentationError) Unwrap() error {
	return e.Err
}

// GrabCut 基于 guidance 种子的能量最小化分割
type GrabCut struct {
	Iterations int
	// MaxSide 超过该边长时在缩小的副本上分割，再最近邻放大回原尺寸
	MaxSide int
	// Bias 未标注像素的初始标签，ProbBackground 或 ProbForeground
	Bias Label
}

func NewGrabCut() *GrabCut {
	return &GrabCut{
		Iterations: DefaultIterations,
		MaxSide:    DefaultMaxSide,
		Bias:       ProbBackground,
	}
}

// ParseBias "foreground" 对应 ProbForeground，其余都按 ProbBackground
func ParseBias(s string) Label {
	if s == "foreground" {
		return ProbForeground
	}
	return ProbBackground
}

// Seeds guidance 灰度 <=10 为确定背景，>=245 为确定前景，其余为 Bias
func (g *GrabCut) Seeds(guidance *image.Gray) []Label {
	guidance = ToGray(guidance)
	bias := g.Bias
	if bias != ProbForeground {
		bias = ProbBackground
	}
	labels := make([]Label, len(guidance.Pix))
	for i, v := range guidance.Pix {
		switch {
		case v <= seedBackgroundMax:
			labels[i] = Background
		case v >= seedForegroundMin:
			labels[i] = Foreground
		default:
			labels[i] = bias
		}
	}
	return labels
}

// Segment 返回与 img 同尺寸的 0/255 mask；失败时返回 *SegmentationError
func (g *GrabCut) Segment(ctx context.Context, img *image.NRGBA, guidance image.Image) (*image.Gray, error) {
	img = ToNRGBA(img)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return nil, &SegmentationError{Reason: "empty image"}
	}

	work, ww, wh := img, w, h
	if maxSide := g.MaxSide; maxSide > 0 && max(w, h) > maxSide {
		scale := float64(maxSide) / float64(max(w, h))
		ww, wh = max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
		work = image.NewNRGBA(image.Rect(0, 0, ww, wh))
		xdraw.CatmullRom.Scale(work, work.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	}

	seed := ToGray(ResizeNearest(ToGray(guidance), ww, wh))
	labels := g.Seeds(seed)

	var fg, bg int
	for _, l := range labels {
		if l == Foreground || l == ProbForeground {
			fg++
		} else {
			bg++
		}
	}
	if fg == 0 {
		return nil, &SegmentationError{Reason: "no foreground seeds"}
	}
	if bg == 0 {
		return nil, &SegmentationError{Reason: "no background seeds"}
	}

	iterations := g.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if err := runGrabCut(ctx, work, labels, iterations); err != nil {
		var segErr *SegmentationError
		if errors.As(err, &segErr) {
			return nil, err
		}
		return nil, &SegmentationError{Reason: "grabcut", Err: err}
	}

	out := image.NewGray(image.Rect(0, 0, ww, wh))
	for i, l := range labels {
		if l == Foreground || l == ProbForeground {
			out.Pix[i] = 255
		}
	}
	return ToGray(ResizeNearest(out, w, h)), nil
}
