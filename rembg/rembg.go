package rembg

import (
	"context"
	"errors"
	"image"
	"time"
)

// 用户可选的模型名
const (
	ModelLite       = "lite"
	ModelFull       = "full"
	ModelSilhouette = "silhouette"
)

// 后端名
const (
	FastBackend = "fast-backend"
	FullBackend = "full-backend"
)

// 后端类型
const (
	KindONNX = "onnx"
	KindHTTP = "http"
)

var ErrBackendUnavailable = errors.New("segmentation backend unavailable")

// Segmenter 自动前景分割，返回与输入同尺寸的 alpha mask
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) (*image.Gray, error)
	// Name 后端名
	Name() string
	Close() error
}

// Backend 一个分割后端的配置
type Backend struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
	// File 权重在缓存目录中的文件名，仅 onnx 使用
	File string `mapstructure:"file"`
	// URL onnx 为权重下载地址，http 为远端抠图服务地址
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultBackends u2netp 作为快速后端，u2net 作为完整后端
func DefaultBackends() []Backend {
	return []Backend{
		{
			Name: FastBackend,
			Kind: KindONNX,
			File: "u2netp.onnx",
			URL:  "https://github.com/danielgatis/rembg/releases/download/v0.0.0/u2netp.onnx",
		},
		{
			Name: FullBackend,
			Kind: KindONNX,
			File: "u2net.onnx",
			URL:  "https://github.com/danielgatis/rembg/releases/download/v0.0.0/u2net.onnx",
		},
	}
}

// BackendFor 用户模型名到后端名的映射，未知名字按 lite 处理
func BackendFor(model string) string {
	switch model {
	case ModelFull:
		return FullBackend
	case ModelLite, ModelSilhouette:
		return FastBackend
	default:
		return FastBackend
	}
}
