package rembg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/metrics"
	"github.com/chaos-io/bgremove/util"
	nhttp "github.com/chaos-io/bgremove/util/http"
)

// PartSuffix 下载中的临时文件后缀
const PartSuffix = ".part"

// Downloader 流式下载权重文件，写完后再 rename 到目标路径
type Downloader struct {
	cli nhttp.IClient
}

func NewDownloader(cli nhttp.IClient) *Downloader {
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	return &Downloader{cli: cli}
}

// Fetch 下载 url 到 dst；失败时删除临时文件，dst 不会出现不完整的内容
func (d *Downloader) Fetch(ctx context.Context, url, dst string) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}

	body, err := d.cli.DoStreamRequest(ctx, &nhttp.RequestParam{
		RequestURI: url,
		Method:     http.MethodGet,
	})
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() {
		_ = body.Close()
	}()

	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".*"+PartSuffix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, fmt.Errorf("rename %s: %w", tmpName, err)
	}
	committed = true
	return n, nil
}

// ensureWeights 缓存目录中已有文件时直接返回路径，否则下载
func (r *Registry) ensureWeights(ctx context.Context, b Backend) (string, error) {
	if b.File == "" {
		return "", fmt.Errorf("backend %s: no weight file configured", b.Name)
	}
	path := filepath.Join(r.cacheDir, b.File)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if b.URL == "" {
		return "", fmt.Errorf("backend %s: weights missing at %s and no url configured", b.Name, path)
	}

	util.Logger.Info("downloading model weights", zap.String("backend", b.Name), zap.String("url", b.URL), zap.String("path", path))
	defer util.Trace("download " + b.Name)()

	n, err := r.downloader.Fetch(ctx, b.URL, path)
	if err != nil {
		return "", err
	}
	metrics.RecordWeightDownload(b.Name, n)
	util.Logger.Info("model weights downloaded", zap.String("backend", b.Name), zap.Int64("bytes", n))
	return path, nil
}
