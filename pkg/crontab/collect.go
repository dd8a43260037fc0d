package crontab

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudreve/davcore/application/dependency"
	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/webdav"
)

func init() {
	Register(CronTypeGarbageCollect, GarbageCollect)
}

// GarbageCollect 清理过期的内存缓存与遗留的暂存文件
func GarbageCollect(ctx context.Context) {
	dep := dependency.FromContext(ctx)
	l := logging.FromContext(ctx)

	if store, ok := dep.KV().(*cache.MemoStore); ok {
		store.GarbageCollect(l)
	}

	config := dep.ConfigProvider().DAV()
	collectStagingFiles(l, config.TempDir, time.Duration(config.StagingExpires)*time.Second)

	l.Info("Cron task [garbage_collect] finished.")
}

func collectStagingFiles(l logging.Logger, tempDir string, expires time.Duration) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		l.Warning("Failed to list staging folder %q: %s", tempDir, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), webdav.StagingFilePrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) <= expires {
			continue
		}

		p := filepath.Join(tempDir, entry.Name())
		if err := os.Remove(p); err != nil {
			l.Debug("Failed to delete staging file %q: %s", p, err)
			continue
		}
		l.Debug("Staging file %q deleted.", p)
	}
}
