package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/config"
	"github.com/chaos-io/bgremove/metrics"
	"github.com/chaos-io/bgremove/middleware"
	"github.com/chaos-io/bgremove/model"
	"github.com/chaos-io/bgremove/pipeline"
	"github.com/chaos-io/bgremove/rembg"
	"github.com/chaos-io/bgremove/service"
	"github.com/chaos-io/bgremove/util"
)

// Processor 图片处理流水线
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type RemoveHandler struct {
	cfg       *config.Config
	processor Processor
	cache     service.ResultCache
}

func NewRemoveHandler(cfg *config.Config, processor Processor, cache service.ResultCache) *RemoveHandler {
	if cache == nil {
		cache = service.NoopCache{}
	}
	return &RemoveHandler{
		cfg:       cfg,
		processor: processor,
		cache:     cache,
	}
}

// Register 注册抠图路由；非 POST 请求返回 405
func Register(r *gin.Engine, h *RemoveHandler) {
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, model.ErrorResponse{Error: "method not allowed"})
	})
	r.POST("/api/remove/", h.APIRemove)
	r.POST("/remove/", h.Remove)
}

// APIRemove 返回 JSON，图片以 data URL 形式放在 image_data 中
func (h *RemoveHandler) APIRemove(c *gin.Context) {
	start := time.Now()
	result, cached, status, err := h.handle(c)
	if err != nil {
		c.JSON(status, model.ErrorResponse{
			Success:  false,
			Error:    err.Error(),
			Metadata: &model.ErrorMetadata{ProcessingTimeMs: time.Since(start).Milliseconds()},
		})
		return
	}

	c.JSON(http.StatusOK, model.RemoveResponse{
		Success:   true,
		Mode:      result.Mode,
		ImageData: util.PNGDataURL(result.PNG),
		Metadata:  &result.Metadata,
		Cached:    cached,
	})
}

// Remove 旧接口，直接返回 PNG
func (h *RemoveHandler) Remove(c *gin.Context) {
	result, _, status, err := h.handle(c)
	if err != nil {
		c.String(status, err.Error())
		return
	}
	c.Data(http.StatusOK, "image/png", result.PNG)
}

// handle 返回结果、是否来自缓存；失败时返回 HTTP 状态码与可以直接展示给用户的错误
func (h *RemoveHandler) handle(c *gin.Context) (*pipeline.Result, bool, int, error) {
	req, status, err := h.parseRequest(c)
	if err != nil {
		return nil, false, status, err
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Server.RequestTimeout)
	defer cancel()

	key := service.CacheKey(req)
	cached, err := h.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCacheLookup("error")
		util.Logger.Warn("failed to get cache", zap.Error(err))
	case cached != nil:
		metrics.RecordCacheLookup("hit")
		util.Logger.Info("cache hit", zap.String("cache_key", key))
		return cached, true, http.StatusOK, nil
	default:
		metrics.RecordCacheLookup("miss")
	}

	result, err := h.processor.Process(ctx, req)
	if err != nil {
		status, msg := StatusFor(err)
		util.Logger.Error("failed to process image",
			zap.String("request_id", c.GetString(middleware.RequestIDKey)), zap.Int("status", status), zap.Error(err))
		_ = c.Error(err)
		return nil, false, status, errors.New(msg)
	}

	if !service.Cacheable(req, result) {
		util.Logger.Debug("result not cached", zap.String("backend", result.Metadata.Backend),
			zap.Bool("guidance_fallback", result.Metadata.GuidanceFallback))
	} else if err := h.cache.Set(ctx, key, result); err != nil {
		util.Logger.Warn("failed to set cache", zap.Error(err))
	}
	return result, false, http.StatusOK, nil
}

func (h *RemoveHandler) parseRequest(c *gin.Context) (pipeline.Request, int, error) {
	file, err := c.FormFile("image")
	if err != nil {
		return pipeline.Request{}, http.StatusBadRequest, errors.New("no image provided")
	}
	if limit := h.cfg.Server.MaxUploadSize; limit > 0 && file.Size > limit {
		return pipeline.Request{}, http.StatusRequestEntityTooLarge, pipeline.ErrResourceExhausted
	}

	f, err := file.Open()
	if err != nil {
		return pipeline.Request{}, http.StatusBadRequest, errors.New("no image provided")
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Request{}, http.StatusBadRequest, fmt.Errorf("read image: %w", err)
	}

	form := url.Values{}
	for _, k := range []string{
		pipeline.FieldModel, pipeline.FieldQuality, pipeline.FieldSmoothEdges,
		pipeline.FieldFeatherEdges, pipeline.FieldEdgeRadius,
	} {
		if v, ok := c.GetPostForm(k); ok {
			form.Set(k, v)
		}
	}

	return pipeline.Request{
		Image:    data,
		Mode:     pipeline.ParseMode(c.PostForm("mode")),
		MaskData: strings.TrimSpace(c.PostForm("mask_data")),
		Settings: pipeline.ParseSettings(form),
		Strategy: pipeline.ParseStrategy(c.PostForm("guidance_strategy"), ""),
	}, 0, nil
}

// StatusFor 把流水线错误映射为 HTTP 状态码和对外的错误信息
func StatusFor(err error) (int, string) {
	var sizeErr *pipeline.SizeError
	switch {
	case errors.As(err, &sizeErr):
		return http.StatusBadRequest, sizeErr.Error()
	case errors.Is(err, pipeline.ErrInvalidImage):
		return http.StatusBadRequest, pipeline.ErrInvalidImage.Error()
	case errors.Is(err, pipeline.ErrResourceExhausted):
		return http.StatusRequestEntityTooLarge, pipeline.ErrResourceExhausted.Error()
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusServiceUnavailable, pipeline.ErrBusy.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "processing timed out"
	case errors.Is(err, context.Canceled):
		// 客户端已断开
		return 499, "request canceled"
	case errors.Is(err, rembg.ErrBackendUnavailable):
		return http.StatusInternalServerError, rembg.ErrBackendUnavailable.Error()
	default:
		return http.StatusInternalServerError, pipeline.ErrInternal.Error()
	}
}
