package pipeline

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chaos-io/bgremove/mask"
	"github.com/chaos-io/bgremove/rembg"
)

// Mode 输出模式
type Mode string

const (
	ModeKeepSubject    Mode = "keep_subject"
	ModeKeepBackground Mode = "keep_background"
	ModeMask           Mode = "mask"
)

// ParseMode 未知模式按 keep_subject 处理
func ParseMode(s string) Mode {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeKeepBackground, ModeMask:
		return m
	default:
		return ModeKeepSubject
	}
}

// Quality 分辨率档位
type Quality string

const (
	QualityFast     Quality = "fast"
	QualityBalanced Quality = "balanced"
	QualityHigh     Quality = "high"
)

// Strategy guidance 的使用方式
type Strategy string

const (
	StrategyFusion  Strategy = "fusion"
	StrategyGrabCut Strategy = "grabcut"
)

// ParseStrategy 空值或未知值返回 def
func ParseStrategy(s string, def Strategy) Strategy {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyFusion, StrategyGrabCut:
		return st
	default:
		return def
	}
}

// Settings 单次请求的处理参数，构造后不再修改
type Settings struct {
	Model        string  `json:"ai_model"`
	Quality      Quality `json:"quality"`
	SmoothEdges  bool    `json:"smooth_edges"`
	FeatherEdges bool    `json:"feather_edges"`
	EdgeRadius   int     `json:"edge_radius"`
}

func DefaultSettings() Settings {
	return Settings{
		Model:        rembg.ModelLite,
		Quality:      QualityBalanced,
		SmoothEdges:  true,
		FeatherEdges: false,
		EdgeRadius:   mask.DefaultEdgeRadius,
	}
}

// 表单字段名
const (
	FieldModel        = "ai_model"
	FieldQuality      = "quality"
	FieldSmoothEdges  = "smooth_edges"
	FieldFeatherEdges = "feather_edges"
	FieldEdgeRadius   = "edge_radius"
)

// ParseSettings 从表单解析参数，缺失、未知或非法的值一律取默认值
func ParseSettings(form url.Values) Settings {
	s := DefaultSettings()

	switch m := strings.ToLower(strings.TrimSpace(form.Get(FieldModel))); m {
	case rembg.ModelLite, rembg.ModelFull, rembg.ModelSilhouette:
		s.Model = m
	}

	switch q := Quality(strings.ToLower(strings.TrimSpace(form.Get(FieldQuality)))); q {
	case QualityFast, QualityBalanced, QualityHigh:
		s.Quality = q
	}

	s.SmoothEdges = parseBool(form.Get(FieldSmoothEdges), s.SmoothEdges)
	s.FeatherEdges = parseBool(form.Get(FieldFeatherEdges), s.FeatherEdges)

	if v := strings.TrimSpace(form.Get(FieldEdgeRadius)); v != "" {
		if r, err := strconv.Atoi(v); err == nil && r > 0 {
			s.EdgeRadius = r
		}
	}
	return s
}

func parseBool(v string, def bool) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "on", "yes":
		return true
	case "off", "no":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// validate 拒绝会让边缘处理耗时失控的半径
func (s Settings) validate() error {
	if s.EdgeRadius > mask.MaxEdgeRadius {
		return fmt.Errorf("%w: edge_radius %d exceeds %d", ErrResourceExhausted, s.EdgeRadius, mask.MaxEdgeRadius)
	}
	return nil
}

// refineOptions 转为边缘处理参数
func (s Settings) refineOptions() mask.RefineOptions {
	return mask.RefineOptions{
		Smooth:  s.SmoothEdges,
		Feather: s.FeatherEdges,
		Radius:  s.EdgeRadius,
	}
}
