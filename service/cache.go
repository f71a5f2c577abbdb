package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/config"
	"github.com/chaos-io/bgremove/pipeline"
	"github.com/chaos-io/bgremove/rembg"
	"github.com/chaos-io/bgremove/util"
)

const keyPrefix = "bgremove:result:"

// ResultCache 处理结果缓存，只保存输出，不保存上传的原图
type ResultCache interface {
	Get(ctx context.Context, key string) (*pipeline.Result, error)
	Set(ctx context.Context, key string, result *pipeline.Result) error
	Close() error
}

// CacheKey 原图、guidance、模式、参数与策略共同决定结果
func CacheKey(req pipeline.Request) string {
	settings, _ := json.Marshal(req.Settings)
	return util.BytesMD5(req.Image, []byte(req.MaskData), []byte(req.Mode), settings, []byte(req.Strategy))
}

// Cacheable 发生回退的结果不缓存：请求的后端不可用时用了 lite，或 guidance 没有生效
func Cacheable(req pipeline.Request, res *pipeline.Result) bool {
	if res.Metadata.GuidanceFallback {
		return false
	}
	model := req.Settings.Model
	if model == rembg.ModelSilhouette {
		return true
	}
	return res.Metadata.Backend == rembg.BackendFor(model)
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(cfg *config.RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type cachedResult struct {
	PNG      []byte            `json:"png"`
	Mode     pipeline.Mode     `json:"mode"`
	Metadata pipeline.Metadata `json:"metadata"`
}

// Get 未命中时返回 nil, nil
func (s *RedisCache) Get(ctx context.Context, key string) (*pipeline.Result, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var cached cachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		util.Logger.Error("failed to unmarshal cached result", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return &pipeline.Result{PNG: cached.PNG, Mode: cached.Mode, Metadata: cached.Metadata}, nil
}

func (s *RedisCache) Set(ctx context.Context, key string, result *pipeline.Result) error {
	data, err := json.Marshal(cachedResult{PNG: result.PNG, Mode: result.Mode, Metadata: result.Metadata})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err()
}

func (s *RedisCache) Close() error {
	return s.client.Close()
}

// NoopCache 未启用缓存时使用
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*pipeline.Result, error) { return nil, nil }

func (NoopCache) Set(context.Context, string, *pipeline.Result) error { return nil }

func (NoopCache) Close() error { return nil }
