package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/config"
	"github.com/chaos-io/bgremove/handler"
	"github.com/chaos-io/bgremove/mask"
	"github.com/chaos-io/bgremove/middleware"
	"github.com/chaos-io/bgremove/pipeline"
	"github.com/chaos-io/bgremove/rembg"
	"github.com/chaos-io/bgremove/service"
	"github.com/chaos-io/bgremove/util"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 加载配置
	cfg := config.New()

	// 初始化日志
	if err := util.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Logger.Info("starting bgremove server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	// 模型会话
	registry := rembg.NewRegistry(cfg.Models.CacheDir, cfg.Models.Backends,
		rembg.WithONNXLibrary(cfg.Models.OnnxLibrary))
	defer func() {
		if err := registry.Close(); err != nil {
			util.Logger.Warn("failed to close sessions", zap.Error(err))
		}
	}()
	preload(registry, cfg.Models.Preload)

	// 清理崩溃残留的下载临时文件
	if n, err := rembg.SweepPartials(cfg.Models.CacheDir, cfg.Models.PartMaxAge); err != nil {
		util.Logger.Warn("failed to sweep partial downloads", zap.Error(err))
	} else if n > 0 {
		util.Logger.Info("swept partial downloads", zap.Int("removed", n))
	}
	janitor, err := rembg.NewJanitor(cfg.Models.SweepSchedule, cfg.Models.CacheDir, cfg.Models.PartMaxAge)
	if err != nil {
		util.Logger.Fatal("invalid sweep schedule", zap.String("schedule", cfg.Models.SweepSchedule), zap.Error(err))
	}
	janitor.Start()
	defer janitor.Stop()

	// 流水线
	hints, err := mask.ParseHintColors(cfg.Hints.Keep, cfg.Hints.Remove, cfg.Hints.Tolerance)
	if err != nil {
		util.Logger.Fatal("invalid hint colors", zap.Error(err))
	}
	grabCut := mask.NewGrabCut()
	if cfg.Guided.Iterations > 0 {
		grabCut.Iterations = cfg.Guided.Iterations
	}
	grabCut.MaxSide = cfg.Guided.MaxSide
	grabCut.Bias = mask.ParseBias(cfg.Guided.UndecidedBias)

	processor := pipeline.New(registry, pipeline.Config{
		MaxConcurrent: cfg.Processing.MaxConcurrent,
		QueueTimeout:  cfg.Processing.QueueTimeout,
		Strategy:      pipeline.ParseStrategy(cfg.Guided.Strategy, pipeline.StrategyFusion),
		Hints:         hints,
		GrabCut:       grabCut,
	})

	// 结果缓存
	var cache service.ResultCache = service.NoopCache{}
	if cfg.Redis.Enabled {
		redisCache := service.NewRedisCache(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisCache.Ping(ctx); err != nil {
			util.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
			_ = redisCache.Close()
		} else {
			util.Logger.Info("redis connected successfully")
			cache = redisCache
		}
		cancel()
	}
	defer func() {
		_ = cache.Close()
	}()

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
			"models":  registry.Loaded(),
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.Register(r, handler.NewRemoveHandler(cfg, processor, cache))

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		util.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	util.Logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.Logger.Warn("server shutdown", zap.Error(err))
	}
}

// preload 启动时创建配置的模型会话，失败只记录日志，请求时会再次尝试
func preload(registry *rembg.Registry, models []string) {
	for _, m := range models {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		if _, err := registry.Session(ctx, m); err != nil {
			util.Logger.Warn("failed to preload model", zap.String("model", m), zap.Error(err))
		}
		cancel()
	}
}
