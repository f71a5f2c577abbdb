package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/chaos-io/bgremove/mask"
)

const defaultInputSize = 320

var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime onnxruntime 环境进程内只初始化一次
func initRuntime(sharedLibrary string) error {
	ortOnce.Do(func() {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return ortErr
}

// NewONNXFactory U2-Net 系列模型，输入 1x3xNxN，取第一个输出作为 mask
func NewONNXFactory(sharedLibrary string) Factory {
	return func(ctx context.Context, b Backend, modelPath string) (Segmenter, error) {
		if err := initRuntime(sharedLibrary); err != nil {
			return nil, err
		}
		return newONNXSession(b.Name, modelPath)
	}
}

type onnxSession struct {
	name string
	size int

	// mu 输入输出 tensor 是会话共享的，推理需要串行
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func newONNXSession(name, modelPath string) (*onnxSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model has no inputs or outputs")
	}

	size := defaultInputSize
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 {
		size = int(dims[2])
	}

	s := &onnxSession{name: name, size: size}
	s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputNames := make([]string, len(outputs))
	outputValues := make([]ort.Value, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		t, err := ort.NewEmptyTensor[float32](resolveShape(info.Dimensions, size))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("create output tensor %s: %w", info.Name, err)
		}
		s.outputs = append(s.outputs, t)
		outputValues[i] = t
	}

	s.session, err = ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, outputNames,
		[]ort.Value{s.input}, outputValues, nil)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// resolveShape 动态维度：batch 取 1，空间维度取输入边长
func resolveShape(dims ort.Shape, size int) ort.Shape {
	if len(dims) != 4 {
		return ort.NewShape(1, 1, int64(size), int64(size))
	}
	shape := ort.NewShape(dims...)
	for i, d := range shape {
		if d > 0 {
			continue
		}
		if i < 2 {
			shape[i] = 1
		} else {
			shape[i] = int64(size)
		}
	}
	return shape
}

func (s *onnxSession) Name() string {
	return s.name
}

func (s *onnxSession) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()

	resized := imaging.Resize(img, s.size, s.size, imaging.Lanczos)

	s.mu.Lock()
	fillInput(s.input.GetData(), resized, s.size)
	err := s.session.Run()
	var pred *image.Gray
	if err == nil {
		pred = normalizeOutput(s.outputs[0].GetData(), s.size)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	out := imaging.Resize(pred, b.Dx(), b.Dy(), imaging.Lanczos)
	return mask.ToGray(out), nil
}

// fillInput 像素除以最大值后按 ImageNet 均值方差归一化，CHW 排列
func fillInput(data []float32, img *image.NRGBA, size int) {
	var maxV uint8
	for i := 0; i < len(img.Pix); i += 4 {
		maxV = max(maxV, img.Pix[i], img.Pix[i+1], img.Pix[i+2])
	}
	scale := float32(1e-6)
	if maxV > 0 {
		scale = float32(maxV)
	}

	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			for c := 0; c < 3; c++ {
				data[c*plane+i] = (float32(row[x*4+c])/scale - mean[c]) / std[c]
			}
		}
	}
}

// normalizeOutput 输出做 min-max 归一化到 [0,255]
func normalizeOutput(pred []float32, size int) *image.Gray {
	n := size * size
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range pred[:n] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := image.NewGray(image.Rect(0, 0, size, size))
	span := hi - lo
	if span <= 0 {
		return out
	}
	for i, v := range pred[:n] {
		out.Pix[i] = uint8((v-lo)/span*255 + 0.5)
	}
	return out
}

func (s *onnxSession) Close() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	if s.input != nil {
		errs = append(errs, s.input.Destroy())
	}
	for _, t := range s.outputs {
		errs = append(errs, t.Destroy())
	}
	return errors.Join(errs...)
}
