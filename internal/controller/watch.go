package controller

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchFiles 监听文件所在目录，目标文件变化时唤醒 poll 循环
// 监听目录而不是文件本身：编辑器和 ConfigMap 都是原子替换
func (c *Controller) WatchFiles(ctx context.Context, paths ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	targets := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = w.Close()
			return err
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return err
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				abs, _ := filepath.Abs(ev.Name)
				if _, hit := targets[abs]; !hit {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					c.logger.Debug("watched file changed", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
					c.Wake()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("file watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// WatchRemote 远端配置变化 (etcd watch) 时唤醒 poll 循环
func (c *Controller) WatchRemote(ctx context.Context, changes <-chan struct{}) {
	go func() {
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
				c.Wake()
			case <-ctx.Done():
				return
			}
		}
	}()
}
