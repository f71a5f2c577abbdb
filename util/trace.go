package util

import (
	"time"

	"go.uber.org/zap"
)

// Trace 记录一段代码的耗时，用法: defer util.Trace("name")()
func Trace(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug("trace", zap.String("name", name), zap.Duration("cost", time.Since(start)))
	}
}
