package rembg

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chaos-io/bgremove/util"
)

// DefaultPartMaxAge 超过该时长的 .part 文件视为崩溃残留
const DefaultPartMaxAge = time.Hour

// SweepPartials 删除缓存目录下修改时间早于 maxAge 的临时下载文件，返回删除数量
func SweepPartials(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), PartSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			util.Logger.Warn("remove stale partial download", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// NewJanitor 按 cron 表达式（例如 "@every 30m"）定期清理 cacheDir 中的 .part 文件
func NewJanitor(schedule, cacheDir string, maxAge time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := SweepPartials(cacheDir, maxAge)
		if err != nil {
			util.Logger.Warn("sweep partial downloads", zap.String("dir", cacheDir), zap.Error(err))
			return
		}
		if n > 0 {
			util.Logger.Info("swept partial downloads", zap.String("dir", cacheDir), zap.Int("removed", n))
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
