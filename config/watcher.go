// 文件变更监听器实现。
//
// 以轮询修改时间的方式发现文件或目录下文件的变化，防抖后回调。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher watches files, or the files directly inside directories, for changes.
type FileWatcher struct {
	mu sync.RWMutex

	// 配置
	paths         []string
	extensions    []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	// 状态
	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent
	wg        sync.WaitGroup

	callbacks []func(event FileEvent)
	logger    *zap.Logger

	// 轮询记录的最后修改时间，仅由 pollLoop 访问
	lastModTimes map[string]time.Time
}

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval sets how often modification times are checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithExtensions limits directory scans to the given extensions, e.g. ".yaml".
func WithExtensions(exts ...string) WatcherOption {
	return func(w *FileWatcher) {
		w.extensions = exts
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher creates a new file watcher. Missing paths are allowed and
// reported as created once they appear.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		eventChan:     make(chan FileEvent, 100),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
			}
			w.logger.Warn("watched path does not exist, will watch for creation", zap.String("path", abs))
		}
		w.paths = append(w.paths, abs)
	}

	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. Files present at start are the baseline and do not
// produce events.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.lastModTimes = w.snapshot()

	w.wg.Add(2)
	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))

	return nil
}

// Stop stops the watcher and waits for its goroutines.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	close(w.stopChan)
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("file watcher stopped")
	return nil
}

// Paths returns the list of watched paths
func (w *FileWatcher) Paths() []string {
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles(ctx)
		}
	}
}

// snapshot 展开目录，返回当前所有被监听文件的修改时间
func (w *FileWatcher) snapshot() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			out[path] = info.ModTime()
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			w.logger.Warn("failed to read watched directory", zap.String("path", path), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !w.matchesExtension(e.Name()) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out[filepath.Join(path, e.Name())] = fi.ModTime()
		}
	}
	return out
}

func (w *FileWatcher) matchesExtension(name string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range w.extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// checkFiles diffs the current snapshot against the previous one.
func (w *FileWatcher) checkFiles(ctx context.Context) {
	current := w.snapshot()
	now := time.Now()
	var events []FileEvent

	for path, mod := range current {
		last, existed := w.lastModTimes[path]
		switch {
		case !existed:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case mod.After(last):
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	for path := range w.lastModTimes {
		if _, ok := current[path]; !ok {
			events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
		}
	}
	w.lastModTimes = current

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	for _, evt := range events {
		select {
		case w.eventChan <- evt:
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		}
	}
}

// dispatchLoop coalesces events per path and fires callbacks once the
// debounce window passes without new events.
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]FileEvent)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case evt := <-w.eventChan:
			// 同一路径只保留最新事件
			pending[evt.Path] = evt
			timer.Reset(w.debounceDelay)
		case <-timer.C:
			w.mu.RLock()
			callbacks := make([]func(FileEvent), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()

			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				evt := pending[p]
				w.logger.Debug("dispatching file event",
					zap.String("path", p),
					zap.String("op", evt.Op.String()))
				for _, cb := range callbacks {
					cb(evt)
				}
			}
			pending = make(map[string]FileEvent)
		}
	}
}
