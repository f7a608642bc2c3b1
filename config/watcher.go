package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"tunneld/internal/logger"
)

// Watcher 监听配置文件变化并重新加载.
type Watcher struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
	once     sync.Once
}

// NewWatcher 加载 path 并在其变化时调用 onChange.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		config:   cfg,
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	// 监听目录而不是文件本身, 以兼容通过替换文件保存的编辑器
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go w.watch()
	return w, nil
}

// Config 返回最近一次成功加载的配置.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) watch() {
	filename := filepath.Base(w.path)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("配置监听出错", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		// 保留旧配置
		logger.Error("重新加载配置失败", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()

	logger.Info("配置已重新加载", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close 停止监听.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
