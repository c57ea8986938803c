package metadata

import "sync"

type watcher struct {
	prefix string
	fn     WatchFunc
}

// watchRegistry fans committed changes out to prefix watchers.
type watchRegistry struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[uint64]*watcher
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watchers: make(map[uint64]*watcher)}
}

func (w *watchRegistry) add(prefix string, fn WatchFunc) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.watchers[id] = &watcher{prefix: prefix, fn: fn}
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.watchers, id)
		w.mu.Unlock()
	}
}

// notify invokes each watcher at most once with the paths it matched.
func (w *watchRegistry) notify(paths []string) {
	if len(paths) == 0 {
		return
	}
	w.mu.Lock()
	watchers := make([]*watcher, 0, len(w.watchers))
	for _, wt := range w.watchers {
		watchers = append(watchers, wt)
	}
	w.mu.Unlock()

	for _, wt := range watchers {
		var matched []string
		for _, p := range paths {
			if underPrefix(p, wt.prefix) {
				matched = append(matched, p)
			}
		}
		if len(matched) > 0 {
			wt.fn(matched)
		}
	}
}
