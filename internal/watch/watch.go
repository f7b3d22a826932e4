package watch

import (
	"context"
	"os"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	retryInterval    = 50 * time.Millisecond
	retryMaxInterval = 5 * time.Second

	// DefaultDebounce folds the write bursts editors produce on save into a
	// single reload.
	DefaultDebounce = 100 * time.Millisecond
)

// Options tunes a watcher.
type Options struct {
	// Debounce delays onChange until no event arrived for this long. Zero
	// invokes onChange for every event.
	Debounce time.Duration
	Logger   *cblog.Logger
}

// Watch monitors path with DefaultDebounce. See WatchWith.
func Watch(ctx context.Context, path string, onChange func() error) (<-chan error, error) {
	return WatchWith(ctx, path, Options{Debounce: DefaultDebounce}, onChange)
}

// WatchWith monitors path for modifications and invokes onChange after each
// settled change. A removed or renamed path is re-added with exponential
// backoff once it reappears, which also triggers onChange. Errors from
// onChange and from the underlying watcher are sent on the returned channel
// without blocking; the channel is closed when ctx is canceled.
func WatchWith(ctx context.Context, path string, opts Options, onChange func() error) (<-chan error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = cblog.WithPrefix("WATCH")
	}

	errCh := make(chan error, 1)
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	run := func() {
		if err := onChange(); err != nil {
			report(err)
			log.Errorf("reload %s: %v", path, err)
		}
	}

	go func() {
		var (
			settle  *time.Timer
			settleC <-chan time.Time
			retry   *time.Timer
			retryC  <-chan time.Time
			backoff time.Duration
		)
		defer func() {
			if settle != nil {
				settle.Stop()
			}
			if retry != nil {
				retry.Stop()
			}
			_ = w.Close()
			close(errCh)
		}()

		changed := func() {
			if opts.Debounce <= 0 {
				run()
				return
			}
			if settle == nil {
				settle = time.NewTimer(opts.Debounce)
			} else {
				settle.Stop()
				settle.Reset(opts.Debounce)
			}
			settleC = settle.C
		}

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					changed()
				}
				if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 && retryC == nil {
					log.Debugf("%s went away, waiting for it to return", path)
					backoff = retryInterval
					retry = time.NewTimer(backoff)
					retryC = retry.C
				}
			case <-retryC:
				if _, err := os.Stat(path); err == nil {
					if err := w.Add(path); err == nil {
						retryC = nil
						changed()
						continue
					}
				}
				backoff *= 2
				if backoff > retryMaxInterval {
					backoff = retryMaxInterval
				}
				retry.Reset(backoff)
			case <-settleC:
				settleC = nil
				run()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					report(err)
					log.Errorf("watch %s: %v", path, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return errCh, nil
}
