//go:build !gocv

package mask

import (
	"context"
	"image"
	"math"
)

const (
	gcGamma  = 50.0
	gcLambda = 9 * gcGamma
	// 概率下限，避免 -log(0)
	minProb = 1e-300
)

// runGrabCut 纯 Go 实现：GMM 颜色模型 + 8 邻域平滑项 + 最小割，原地更新 labels 中的 PR 标签
func runGrabCut(ctx context.Context, img *image.NRGBA, labels []Label, iterations int) error {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	n := w * h

	pixels := make([]rgb, n)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			pixels[y*w+x] = rgb{float64(row[x*4]), float64(row[x*4+1]), float64(row[x*4+2])}
		}
	}

	var bgd, fgd gmm
	if err := initGMMs(pixels, labels, &bgd, &fgd); err != nil {
		return err
	}

	beta := calcBeta(pixels, w, h)
	left, upleft, up, upright := calcNWeights(pixels, w, h, beta)

	comps := make([]int, n)
	for it := 0; it < iterations; it++ {
		if err := ctx.Err(); err != nil {
			return &SegmentationError{Reason: "canceled", Err: err}
		}

		for i, c := range pixels {
			if isBackground(labels[i]) {
				comps[i] = bgd.whichComponent(c)
			} else {
				comps[i] = fgd.whichComponent(c)
			}
		}
		if err := learnGMMs(pixels, labels, comps, &bgd, &fgd); err != nil {
			return err
		}

		g := newFlowGraph(n, 2*(2*n+4*n))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				v := int32(i)

				var fromSource, toSink float64
				switch labels[i] {
				case ProbBackground, ProbForeground:
					fromSource = -math.Log(math.Max(bgd.prob(pixels[i]), minProb))
					toSink = -math.Log(math.Max(fgd.prob(pixels[i]), minProb))
				case Background:
					fromSource, toSink = 0, gcLambda
				default:
					fromSource, toSink = gcLambda, 0
				}
				if math.IsNaN(fromSource) || math.IsNaN(toSink) {
					return &SegmentationError{Reason: "numeric failure"}
				}
				g.addTerminal(v, fromSource, toSink)

				if x > 0 {
					g.addEdge(v, v-1, left[i], left[i])
				}
				if x > 0 && y > 0 {
					g.addEdge(v, v-int32(w)-1, upleft[i], upleft[i])
				}
				if y > 0 {
					g.addEdge(v, v-int32(w), up[i], up[i])
				}
				if x < w-1 && y > 0 {
					g.addEdge(v, v-int32(w)+1, upright[i], upright[i])
				}
			}
		}

		if flow := g.maxFlow(); math.IsNaN(flow) {
			return &SegmentationError{Reason: "numeric failure"}
		}

		for i, l := range labels {
			if l == ProbBackground || l == ProbForeground {
				if g.inSourceSegment(int32(i)) {
					labels[i] = ProbForeground
				} else {
					labels[i] = ProbBackground
				}
			}
		}
	}
	return nil
}

func isBackground(l Label) bool {
	return l == Background || l == ProbBackground
}

func initGMMs(pixels []rgb, labels []Label, bgd, fgd *gmm) error {
	var bgSamples, fgSamples []rgb
	for i, c := range pixels {
		if isBackground(labels[i]) {
			bgSamples = append(bgSamples, c)
		} else {
			fgSamples = append(fgSamples, c)
		}
	}
	if len(bgSamples) == 0 || len(fgSamples) == 0 {
		return &SegmentationError{Reason: "missing seeds"}
	}

	bgd.resetLearning()
	for i, l := range kmeans(bgSamples) {
		bgd.addSample(l, bgSamples[i])
	}
	fgd.resetLearning()
	for i, l := range kmeans(fgSamples) {
		fgd.addSample(l, fgSamples[i])
	}
	if err := bgd.endLearning(); err != nil {
		return &SegmentationError{Reason: "background model", Err: err}
	}
	if err := fgd.endLearning(); err != nil {
		return &SegmentationError{Reason: "foreground model", Err: err}
	}
	return nil
}

func learnGMMs(pixels []rgb, labels []Label, comps []int, bgd, fgd *gmm) error {
	bgd.resetLearning()
	fgd.resetLearning()
	for i, c := range pixels {
		if isBackground(labels[i]) {
			bgd.addSample(comps[i], c)
		} else {
			fgd.addSample(comps[i], c)
		}
	}
	if err := bgd.endLearning(); err != nil {
		return &SegmentationError{Reason: "background model", Err: err}
	}
	if err := fgd.endLearning(); err != nil {
		return &SegmentationError{Reason: "foreground model", Err: err}
	}
	return nil
}

// calcBeta beta = 1 / (2 * 相邻像素颜色差平方的均值)
func calcBeta(pixels []rgb, w, h int) float64 {
	var sum float64
	var count int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := pixels[y*w+x]
			if x > 0 {
				sum += dist2(c, pixels[y*w+x-1])
				count++
			}
			if x > 0 && y > 0 {
				sum += dist2(c, pixels[(y-1)*w+x-1])
				count++
			}
			if y > 0 {
				sum += dist2(c, pixels[(y-1)*w+x])
				count++
			}
			if x < w-1 && y > 0 {
				sum += dist2(c, pixels[(y-1)*w+x+1])
				count++
			}
		}
	}
	if sum <= flowEps || count == 0 {
		return 0
	}
	return 1 / (2 * sum / float64(count))
}

// calcNWeights 计算每个像素与左、左上、上、右上邻居之间的平滑项权重
func calcNWeights(pixels []rgb, w, h int, beta float64) (left, upleft, up, upright []float64) {
	n := w * h
	left = make([]float64, n)
	upleft = make([]float64, n)
	up = make([]float64, n)
	upright = make([]float64, n)
	gammaDivSqrt2 := gcGamma / math.Sqrt2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			c := pixels[i]
			if x > 0 {
				left[i] = gcGamma * math.Exp(-beta*dist2(c, pixels[i-1]))
			}
			if x > 0 && y > 0 {
				upleft[i] = gammaDivSqrt2 * math.Exp(-beta*dist2(c, pixels[i-w-1]))
			}
			if y > 0 {
				up[i] = gcGamma * math.Exp(-beta*dist2(c, pixels[i-w]))
			}
			if x < w-1 && y > 0 {
				upright[i] = gammaDivSqrt2 * math.Exp(-beta*dist2(c, pixels[i-w+1]))
			}
		}
	}
	return left, upleft, up, upright
}
