package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chaos-io/bgremove/mask"
	"github.com/chaos-io/bgremove/metrics"
	"github.com/chaos-io/bgremove/rembg"
	"github.com/chaos-io/bgremove/util"
)

const (
	// 请求入口的尺寸限制，在任何缩放之前检查
	MaxSide = 3072
	MinSide = 8

	FastMaxSide = 512
	HighMinSide = 1024

	// guidance 图的像素上限
	MaxGuidancePixels = MaxSide * MaxSide

	// alpha 大于该值的像素计入主体
	subjectThreshold = 127

	DefaultMaxConcurrent = 4
	DefaultQueueTimeout  = 30 * time.Second
)

// SessionProvider 按模型名提供分割会话
type SessionProvider interface {
	Session(ctx context.Context, model string) (rembg.Segmenter, error)
}

type Config struct {
	MaxConcurrent int64
	QueueTimeout  time.Duration
	// Strategy 请求未指定时使用的 guidance 策略
	Strategy Strategy
	Hints    mask.HintColors
	GrabCut  *mask.GrabCut
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: DefaultMaxConcurrent,
		QueueTimeout:  DefaultQueueTimeout,
		Strategy:      StrategyFusion,
		Hints:         mask.DefaultHintColors(),
		GrabCut:       mask.NewGrabCut(),
	}
}

// Pipeline 解码 -> 缩放 -> 分割 -> guidance/边缘处理 -> 合成 -> 还原尺寸 -> PNG 编码
type Pipeline struct {
	sessions     SessionProvider
	guided       *mask.GrabCut
	hints        mask.HintColors
	strategy     Strategy
	sem          *semaphore.Weighted
	queueTimeout time.Duration
}

func New(sessions SessionProvider, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}
	if cfg.GrabCut == nil {
		cfg.GrabCut = def.GrabCut
	}
	if cfg.Hints.Tolerance <= 0 {
		cfg.Hints = def.Hints
	}
	return &Pipeline{
		sessions:     sessions,
		guided:       cfg.GrabCut,
		hints:        cfg.Hints,
		strategy:     ParseStrategy(string(cfg.Strategy), StrategyFusion),
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		queueTimeout: cfg.QueueTimeout,
	}
}

type Request struct {
	Image []byte
	Mode  Mode
	// MaskData data URL 或纯 base64 的 guidance 图，可为空
	MaskData string
	Settings Settings
	// Strategy 为空时使用配置的默认策略
	Strategy Strategy
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Box 主体在结果图中的位置
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Metadata struct {
	ProcessingTimeMs int64    `json:"processing_time_ms"`
	Settings         Settings `json:"settings"`
	OriginalSize     Size     `json:"original_size"`
	ResultSize       Size     `json:"result_size"`
	Backend          string   `json:"backend"`
	Guidance         Strategy `json:"guidance,omitempty"`
	GuidanceFallback bool     `json:"guidance_fallback"`
	// SubjectBox mask 中 alpha > 127 的区域，没有前景时为空
	SubjectBox *Box `json:"subject_box,omitempty"`
}

type Result struct {
	PNG      []byte
	Mode     Mode
	Metadata Metadata
}

// Process 处理一张图片；ctx 过期时返回 ctx 的错误，不产生部分输出
func (p *Pipeline) Process(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	mode := ParseMode(string(req.Mode))
	settings := req.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, recoverError(r)
			util.Logger.Error("pipeline panic", zap.Any("panic", r), zap.Error(err))
		}
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
		}
		metrics.RecordProcess(string(mode), settings.Model, string(settings.Quality), status, time.Since(start).Seconds())
	}()

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	res, err = p.process(ctx, req, mode, settings)
	if err != nil {
		util.Logger.Warn("process image failed",
			zap.String("mode", string(mode)), zap.String("model", settings.Model),
			zap.Duration("cost", time.Since(start)), zap.Error(err))
		return nil, err
	}
	res.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	util.Logger.Info("image processed",
		zap.String("mode", string(mode)), zap.String("model", settings.Model),
		zap.String("backend", res.Metadata.Backend), zap.Int64("cost_ms", res.Metadata.ProcessingTimeMs))
	return res, nil
}

// acquire 排队等待超过 queueTimeout 返回 ErrBusy，请求本身过期返回 ctx 的错误
func (p *Pipeline) acquire(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	defer cancel()
	if err := p.sem.Acquire(qctx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrBusy
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, req Request, mode Mode, settings Settings) (*Result, error) {
	defer util.Trace("pipeline.process")()

	if err := settings.validate(); err != nil {
		return nil, err
	}

	// Decoded
	cfg, _, err := util.DecodeImageConfig(req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := CheckBounds(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	decoded, _, err := util.DecodeImage(req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	original := mask.ToNRGBA(decoded)
	origW, origH := original.Rect.Dx(), original.Rect.Dy()

	// 无法解码的 guidance 不拒绝请求，在融合阶段回退到自动 mask
	var (
		guidance    image.Image
		guidanceErr error
	)
	if maskData := strings.TrimSpace(req.MaskData); maskData != "" {
		guidance, guidanceErr = decodeGuidance(maskData)
		if errors.Is(guidanceErr, ErrResourceExhausted) {
			return nil, guidanceErr
		}
	}

	// Scaled
	scaled := original
	switch settings.Quality {
	case QualityFast:
		scaled = resizeWithinMax(original, FastMaxSide)
	case QualityHigh:
		scaled = resizeAtLeast(original, HighMinSide)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Segmented
	var auto *image.Gray
	backend := rembg.ModelSilhouette
	silhouette := settings.Model == rembg.ModelSilhouette
	if silhouette {
		auto = rembg.Silhouette(scaled)
	} else {
		sess, err := p.sessions.Session(ctx, settings.Model)
		if err != nil {
			return nil, err
		}
		backend = sess.Name()
		if auto, err = sess.Segment(ctx, scaled); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s: %v", rembg.ErrBackendUnavailable, backend, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Fused/Refined
	meta := Metadata{Settings: settings, Backend: backend}
	m := auto
	switch {
	case guidanceErr != nil:
		meta.Guidance = ParseStrategy(string(req.Strategy), p.strategy)
		m, meta.GuidanceFallback = withFallback(func() (*image.Gray, error) {
			return nil, guidanceErr
		}, auto)
	case guidance != nil:
		meta.Guidance = ParseStrategy(string(req.Strategy), p.strategy)
		switch meta.Guidance {
		case StrategyGrabCut:
			m, meta.GuidanceFallback = withFallback(func() (*image.Gray, error) {
				return p.guided.Segment(ctx, scaled, mask.ToGray(guidance))
			}, auto)
		default:
			m = mask.Fuse(auto, guidance, p.hints)
		}
	}
	if !silhouette {
		if m, err = mask.Refine(ctx, m, settings.refineOptions()); err != nil {
			return nil, err
		}
	}

	// Composed，fast 档把 mask 放大回原尺寸后合成到原图上
	base := scaled
	if settings.Quality == QualityFast && (scaled.Rect.Dx() != origW || scaled.Rect.Dy() != origH) {
		m = resizeMask(m, origW, origH)
		base = original
	}
	out := compose(base, m, mode)

	// Encoded
	level := png.DefaultCompression
	if settings.Quality == QualityHigh {
		level = png.BestCompression
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	if box, ok := mask.BoundingBox(m, subjectThreshold); ok {
		meta.SubjectBox = &Box{X: box.Min.X, Y: box.Min.Y, Width: box.Dx(), Height: box.Dy()}
	}
	rb := out.Bounds()
	meta.OriginalSize = Size{Width: origW, Height: origH}
	meta.ResultSize = Size{Width: rb.Dx(), Height: rb.Dy()}
	return &Result{PNG: buf.Bytes(), Mode: mode, Metadata: meta}, nil
}

// withFallback guided 失败（包括 guidance 无法解码）时记录日志并返回 automatic，第二个返回值表示是否发生了回退
func withFallback(guided func() (*image.Gray, error), automatic *image.Gray) (*image.Gray, bool) {
	m, err := guided()
	if err == nil {
		return m, false
	}
	util.Logger.Warn("guided segmentation failed, using automatic mask", zap.Error(err))
	metrics.RecordGuidedFallback()
	return automatic, true
}

// decodeGuidance 解析 guidance 图，像素数超过上限时返回 ErrResourceExhausted
func decodeGuidance(data string) (image.Image, error) {
	raw, err := util.DecodeDataURL(data)
	if err != nil {
		return nil, fmt.Errorf("%w: mask data: %v", ErrInvalidImage, err)
	}
	cfg, _, err := util.DecodeImageConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: mask data: %v", ErrInvalidImage, err)
	}
	if cfg.Width*cfg.Height > MaxGuidancePixels {
		return nil, fmt.Errorf("%w: mask %dx%d", ErrResourceExhausted, cfg.Width, cfg.Height)
	}
	img, _, err := util.DecodeImage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: mask data: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// recoverError 分配失败类的 panic 视为资源耗尽，其余返回不含细节的内部错误
func recoverError(r any) error {
	if e, ok := r.(runtime.Error); ok {
		msg := e.Error()
		if strings.Contains(msg, "makeslice") || strings.Contains(msg, "out of memory") {
			return ErrResourceExhausted
		}
	}
	if e, ok := r.(error); ok && errors.Is(e, ErrResourceExhausted) {
		return ErrResourceExhausted
	}
	return ErrInternal
}
