package stealing

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

const watchDebounce = 50 * time.Millisecond

// Watch calls fn whenever peer queue broadcasts may have changed, until ctx
// ends. On a real filesystem it reacts to writes in the queue-state
// directory; the poll interval always applies as a fallback.
func (m *Manager) Watch(ctx context.Context, fn func()) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	if _, ok := m.store.Fs().(*afero.OsFs); ok {
		watcher, err := m.newWatcher()
		if err != nil {
			m.logger.Warn("queue state watch unavailable, polling only", "error", err)
		} else {
			defer watcher.Close()
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			fn()

		case <-ticker.C:
			fn()

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			m.logger.Warn("queue state watcher error", "error", err)
		}
	}
}

func (m *Manager) newWatcher() (*fsnotify.Watcher, error) {
	dir := m.store.NamespaceDir(Namespace)
	if err := m.store.Fs().MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}
