package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/bgremove/config"
	"github.com/chaos-io/bgremove/pipeline"
	"github.com/chaos-io/bgremove/rembg"
)

func TestCacheKey(t *testing.T) {
	t.Parallel()

	base := pipeline.Request{
		Image:    []byte{1, 2, 3},
		Mode:     pipeline.ModeKeepSubject,
		Settings: pipeline.DefaultSettings(),
	}
	key := CacheKey(base)
	assert.Len(t, key, 32)
	assert.Equal(t, key, CacheKey(base))

	mode := base
	mode.Mode = pipeline.ModeMask
	assert.NotEqual(t, key, CacheKey(mode))

	settings := base
	settings.Settings.FeatherEdges = true
	assert.NotEqual(t, key, CacheKey(settings))

	guided := base
	guided.MaskData = "AAAA"
	assert.NotEqual(t, key, CacheKey(guided))

	strategy := guided
	strategy.Strategy = pipeline.StrategyGrabCut
	assert.NotEqual(t, CacheKey(guided), CacheKey(strategy))
}

func TestCacheable(t *testing.T) {
	t.Parallel()

	request := func(model string) pipeline.Request {
		s := pipeline.DefaultSettings()
		s.Model = model
		return pipeline.Request{Settings: s}
	}
	result := func(backend string, fallback bool) *pipeline.Result {
		return &pipeline.Result{Metadata: pipeline.Metadata{Backend: backend, GuidanceFallback: fallback}}
	}

	tests := []struct {
		name string
		req  pipeline.Request
		res  *pipeline.Result
		want bool
	}{
		{"lite", request(rembg.ModelLite), result(rembg.FastBackend, false), true},
		{"full", request(rembg.ModelFull), result(rembg.FullBackend, false), true},
		{"full fell back to lite", request(rembg.ModelFull), result(rembg.FastBackend, false), false},
		{"silhouette", request(rembg.ModelSilhouette), result(rembg.ModelSilhouette, false), true},
		{"guidance fell back", request(rembg.ModelLite), result(rembg.FastBackend, true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Cacheable(tt.req, tt.res))
		})
	}
}

func TestNoopCache(t *testing.T) {
	t.Parallel()

	var c ResultCache = NoopCache{}
	require.NoError(t, c.Set(context.Background(), "k", &pipeline.Result{PNG: []byte{1}}))
	got, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, c.Close())
}

func TestRedisCache_Unreachable(t *testing.T) {
	t.Parallel()

	c := NewRedisCache(&config.RedisConfig{Addr: "127.0.0.1:1", TTL: time.Minute})
	defer func() {
		_ = c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, c.Ping(ctx))
	_, err := c.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "k", &pipeline.Result{PNG: []byte{1}}))
}
