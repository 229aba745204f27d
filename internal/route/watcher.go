package route

import (
	"context"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-replay/internal/segment"
)

// Watcher reports segments of a live route as they appear under a DirSource root.
// fsnotify drives it when available; a slow rescan runs regardless as a safety net.
type Watcher struct {
	source    DirSource
	id        Identifier
	onSegment func(index int, files segment.Files)

	PollInterval time.Duration
	Debounce     time.Duration

	mu    sync.Mutex
	known map[int]segment.Files
	timer *time.Timer
}

// NewWatcher reports every segment of id not already present in known (which may be nil).
func NewWatcher(source DirSource, id Identifier, known *Catalog, onSegment func(int, segment.Files)) *Watcher {
	w := &Watcher{
		source:       source,
		id:           id,
		onSegment:    onSegment,
		PollInterval: 30 * time.Second,
		Debounce:     250 * time.Millisecond,
		known:        make(map[int]segment.Files),
	}
	if known != nil {
		for n, f := range known.Segments {
			w.known[n] = f
		}
	}
	return w
}

// Start runs the watcher until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] Route Watcher: fsnotify unavailable (%v), polling only", err)
	} else if err := fw.Add(w.source.Root); err != nil {
		log.Printf("[WARN] Route Watcher: cannot watch %s (%v), polling only", w.source.Root, err)
		fw.Close()
		fw = nil
	}

	if fw != nil {
		w.watchSegmentDirs(fw)
		go w.watchLoop(ctx, fw)
	}

	go func() {
		ticker := time.NewTicker(w.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.mu.Lock()
				if w.timer != nil {
					w.timer.Stop()
				}
				w.mu.Unlock()
				return
			case <-ticker.C:
				w.rescan()
			}
		}
	}()
}

func (w *Watcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) == filepath.Clean(w.source.Root) {
				if _, ok := segmentIndex(w.id, filepath.Base(ev.Name)); ok && ev.Has(fsnotify.Create) {
					// logs are written into the new directory after it appears
					if err := fw.Add(ev.Name); err != nil {
						log.Printf("[WARN] Route Watcher: cannot watch %s: %v", ev.Name, err)
					}
				}
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Printf("[ERROR] Route Watcher: %v", err)
		}
	}
}

func (w *Watcher) watchSegmentDirs(fw *fsnotify.Watcher) {
	segs, err := w.source.scan(w.id)
	if err != nil {
		return
	}
	for n := range segs {
		dir := filepath.Join(w.source.Root, w.id.Timestamp+"--"+strconv.Itoa(n))
		_ = fw.Add(dir)
	}
}

// schedule coalesces bursts of filesystem events into one rescan.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Debounce, w.rescan)
}

func (w *Watcher) rescan() {
	segs, err := w.source.scan(w.id)
	if err != nil {
		log.Printf("[WARN] Route Watcher: rescan %s: %v", w.id.Name(), err)
		return
	}

	w.mu.Lock()
	var changed []int
	for n, files := range segs {
		if files.Empty() || !w.id.Contains(n) {
			continue
		}
		if prev, ok := w.known[n]; ok && prev == files {
			continue
		}
		w.known[n] = files
		changed = append(changed, n)
	}
	w.mu.Unlock()

	for _, n := range changed {
		w.onSegment(n, segs[n])
	}
}
