package rembg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/metrics"
	"github.com/chaos-io/bgremove/util"
	nhttp "github.com/chaos-io/bgremove/util/http"
)

// Factory 根据后端配置创建会话；modelPath 为本地权重路径，http 后端为空
type Factory func(ctx context.Context, b Backend, modelPath string) (Segmenter, error)

// Registry 按后端名懒加载并缓存分割会话，每个后端最多创建一次，进程生命周期内不销毁
type Registry struct {
	cacheDir   string
	backends   map[string]Backend
	factories  map[string]Factory
	downloader *Downloader

	// sessions 已创建的会话，读取不加锁
	sessions sync.Map
	// locks 每个后端一把创建锁，容量为 1 的 channel，等待方可以响应 ctx；构造后只读
	locks map[string]chan struct{}
}

type Option func(*Registry)

// WithFactory 覆盖某类后端的创建方式
func WithFactory(kind string, f Factory) Option {
	return func(r *Registry) {
		r.factories[kind] = f
	}
}

// WithHTTPClient 权重下载与远端后端使用的 HTTP 客户端
func WithHTTPClient(cli nhttp.IClient) Option {
	return func(r *Registry) {
		r.downloader = NewDownloader(cli)
		r.factories[KindHTTP] = NewRemoteFactory(cli)
	}
}

// WithONNXLibrary onnxruntime 动态库路径，为空时使用系统默认
func WithONNXLibrary(path string) Option {
	return func(r *Registry) {
		r.factories[KindONNX] = NewONNXFactory(path)
	}
}

func NewRegistry(cacheDir string, backends []Backend, opts ...Option) *Registry {
	if len(backends) == 0 {
		backends = DefaultBackends()
	}
	cli := nhttp.NewHTTPClient()
	r := &Registry{
		cacheDir:   cacheDir,
		backends:   make(map[string]Backend, len(backends)),
		locks:      make(map[string]chan struct{}, len(backends)),
		downloader: NewDownloader(cli),
		factories: map[string]Factory{
			KindONNX: NewONNXFactory(""),
			KindHTTP: NewRemoteFactory(cli),
		},
	}
	for _, b := range backends {
		r.backends[b.Name] = b
		r.locks[b.Name] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) CacheDir() string {
	return r.cacheDir
}

// Session 返回模型名对应的会话；失败时回退到 lite，仍失败则返回 ErrBackendUnavailable
func (r *Registry) Session(ctx context.Context, model string) (Segmenter, error) {
	name := BackendFor(model)
	s, err := r.load(ctx, name)
	if err == nil {
		return s, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	fallback := BackendFor(ModelLite)
	if name == fallback {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	util.Logger.Warn("backend unavailable, falling back",
		zap.String("backend", name), zap.String("fallback", fallback), zap.Error(err))
	s, fbErr := r.load(ctx, fallback)
	if fbErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, errors.Join(err, fbErr))
	}
	return s, nil
}

// load 双重检查：已创建直接返回，否则持有该后端的锁后再确认一次再创建；失败不缓存
// 不同后端的创建互不阻塞
func (r *Registry) load(ctx context.Context, name string) (Segmenter, error) {
	if v, ok := r.sessions.Load(name); ok {
		return v.(Segmenter), nil
	}

	unlock, err := r.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if v, ok := r.sessions.Load(name); ok {
		return v.(Segmenter), nil
	}

	s, err := r.create(ctx, name)
	if err != nil {
		metrics.RecordBackendLoad(name, metrics.StatusError)
		return nil, err
	}
	metrics.RecordBackendLoad(name, metrics.StatusSuccess)
	r.sessions.Store(name, s)
	util.Logger.Info("backend session created", zap.String("backend", name))
	return s, nil
}

// lock 获取后端的创建锁，ctx 结束时放弃等待
func (r *Registry) lock(ctx context.Context, name string) (func(), error) {
	l, ok := r.locks[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) create(ctx context.Context, name string) (Segmenter, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	factory, ok := r.factories[b.Kind]
	if !ok {
		return nil, fmt.Errorf("backend %s: unsupported kind %q", name, b.Kind)
	}

	var path string
	if b.Kind == KindONNX {
		var err error
		if path, err = r.ensureWeights(ctx, b); err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
	}

	s, err := factory(ctx, b, path)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return s, nil
}

// Loaded 已创建会话的后端名
func (r *Registry) Loaded() []string {
	var names []string
	r.sessions.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	return names
}

// Close 关闭所有会话，只在进程退出时调用
func (r *Registry) Close() error {
	var errs []error
	r.sessions.Range(func(k, v any) bool {
		if err := v.(Segmenter).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", k, err))
		}
		r.sessions.Delete(k)
		return true
	})
	return errors.Join(errs...)
}
