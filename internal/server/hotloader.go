package server

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/dispatch"
	"github.com/zot/tablebridge/internal/engine"
)

// HotLoader loads the Lua expression libraries in a directory into the
// engine, and reloads them when they change. Loading always goes through
// the dispatch queue.
//
// A library may be a symlink; the directory holding its target is watched
// too, so editing the target reloads the library.
type HotLoader struct {
	config  *config.Config
	libDir  string
	queue   *dispatch.Queue
	watcher *fsnotify.Watcher
	links   *linkWatch
	quiet   time.Duration // a file must stop changing this long before it reloads

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHotLoader creates a loader for libDir.
func NewHotLoader(cfg *config.Config, libDir string, q *dispatch.Queue) *HotLoader {
	return &HotLoader{
		config: cfg,
		libDir: filepath.Clean(libDir),
		queue:  q,
		quiet:  100 * time.Millisecond,
		done:   make(chan struct{}),
	}
}

func libraryName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".lua")
}

func isLibrary(path string) bool {
	return strings.HasSuffix(path, ".lua")
}

// libraries lists the library files in libDir in name order.
func (h *HotLoader) libraries() ([]string, error) {
	entries, err := os.ReadDir(h.libDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if isLibrary(entry.Name()) {
			paths = append(paths, filepath.Join(h.libDir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadAll loads every library, in name order, and waits for the engine to
// accept each one. A missing directory loads nothing.
func (h *HotLoader) LoadAll(ctx context.Context) error {
	paths, err := h.libraries()
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := libraryName(path)
		_, err = dispatch.Await(ctx, h.queue, func(eng engine.Engine) (struct{}, error) {
			return struct{}{}, eng.LoadLibrary(name, string(src))
		})
		if err != nil {
			return err
		}
		h.config.Log(1, "HotLoader: loaded %s", path)
	}
	return nil
}

// Start begins watching for file changes.
func (h *HotLoader) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(h.libDir); err != nil {
		watcher.Close()
		return err
	}
	h.watcher = watcher
	h.links = newLinkWatch(watcher, h.config)

	paths, err := h.libraries()
	if err != nil {
		h.config.Log(1, "HotLoader: error scanning %s: %v", h.libDir, err)
	}
	for _, path := range paths {
		h.links.track(path)
	}

	h.wg.Add(1)
	go h.watch()
	h.config.Log(1, "HotLoader: watching %s for changes", h.libDir)
	return nil
}

// Stop stops watching. It is safe to call more than once, or without Start.
func (h *HotLoader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		if h.watcher != nil {
			err = h.watcher.Close()
		}
		h.wg.Wait()
	})
	return err
}

// watch gathers change events and reloads each library once it has been
// quiet for h.quiet.
func (h *HotLoader) watch() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.quiet / 2)
	defer ticker.Stop()
	changed := make(map[string]time.Time) // library path -> last change

	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if lib := h.onEvent(event); lib != "" {
				changed[lib] = time.Now()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.config.Log(1, "HotLoader: watcher error: %v", err)
		case now := <-ticker.C:
			var ready []string
			for lib, at := range changed {
				if now.Sub(at) >= h.quiet {
					ready = append(ready, lib)
					delete(changed, lib)
				}
			}
			sort.Strings(ready)
			for _, lib := range ready {
				h.reload(lib)
			}
		}
	}
}

// onEvent keeps symlink tracking current and returns the library an event
// changed, or "".
func (h *HotLoader) onEvent(event fsnotify.Event) string {
	if !isLibrary(event.Name) {
		return ""
	}
	h.config.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)
	if filepath.Dir(event.Name) == h.libDir {
		if event.Has(fsnotify.Create) {
			h.links.track(event.Name)
		} else if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			h.links.untrack(event.Name)
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return ""
	}
	return h.libraryFor(event.Name)
}

// libraryFor maps a changed file to the library in libDir it belongs to,
// or "" if none.
func (h *HotLoader) libraryFor(path string) string {
	if filepath.Dir(path) == h.libDir {
		if _, err := os.Stat(path); err != nil {
			return ""
		}
		return path
	}
	return h.links.owner(path)
}

// reload queues a library reload. Lua errors are logged and the previous
// definitions stay in place.
func (h *HotLoader) reload(path string) {
	src, err := os.ReadFile(path)
	if err != nil {
		h.config.Log(1, "HotLoader: error reading %s: %v", path, err)
		return
	}
	name := libraryName(path)
	h.config.Log(1, "HotLoader: reloading %s", path)
	err = h.queue.Submit(func(eng engine.Engine) {
		if err := eng.LoadLibrary(name, string(src)); err != nil {
			h.config.Log(0, "HotLoader: error reloading %s: %v", name, err)
			return
		}
		h.config.Log(2, "HotLoader: reloaded %s", name)
	})
	if err != nil {
		h.config.Log(1, "HotLoader: cannot queue reload of %s: %v", name, err)
	}
}

// linkWatch tracks symlinked libraries and reference-counts the watches
// on their target directories.
type linkWatch struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	config  *config.Config
	targets map[string]string // library path -> resolved target file
	dirs    map[string]int    // watched target dir -> reference count
}

func newLinkWatch(w *fsnotify.Watcher, cfg *config.Config) *linkWatch {
	return &linkWatch{
		watcher: w,
		config:  cfg,
		targets: make(map[string]string),
		dirs:    make(map[string]int),
	}
}

// track (re)examines lib, watching its target directory if it is a symlink.
func (l *linkWatch) track(lib string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked(lib)

	info, err := os.Lstat(lib)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(lib)
	if err != nil {
		l.config.Log(2, "HotLoader: cannot resolve symlink %s: %v", lib, err)
		return
	}
	dir := filepath.Dir(target)
	if l.dirs[dir] == 0 {
		if err := l.watcher.Add(dir); err != nil {
			l.config.Log(1, "HotLoader: cannot watch %s: %v", dir, err)
			return
		}
	}
	l.dirs[dir]++
	l.targets[lib] = target
	l.config.Log(2, "HotLoader: watching %s for %s", dir, lib)
}

func (l *linkWatch) untrack(lib string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked(lib)
}

func (l *linkWatch) dropLocked(lib string) {
	target, ok := l.targets[lib]
	if !ok {
		return
	}
	delete(l.targets, lib)
	dir := filepath.Dir(target)
	if l.dirs[dir]--; l.dirs[dir] <= 0 {
		delete(l.dirs, dir)
		l.watcher.Remove(dir)
	}
}

// owner returns the library whose symlink target is path.
func (l *linkWatch) owner(path string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for lib, target := range l.targets {
		if target == path {
			return lib
		}
	}
	return ""
}

// watching reports the target directory tracked for lib.
func (l *linkWatch) watching(lib string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	target, ok := l.targets[lib]
	return filepath.Dir(target), ok
}
