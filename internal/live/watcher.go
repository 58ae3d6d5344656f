// Package live keeps an in-memory bookmark list consistent with
// server state: one full fetch on start, then a change-feed
// subscription whose events are merged in place. The merge is
// idempotent, so duplicate or reordered delivery is harmless.
package live

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"linkstash/api/internal/feed"
)

// Subscription is a live event stream. feed.Subscription satisfies it.
type Subscription interface {
	Events() <-chan feed.Event
	Close() error
}

// Source provides the initial list and the change feed for one owner.
type Source interface {
	Fetch(ctx context.Context) ([]feed.Bookmark, error)
	Subscribe(ctx context.Context) (Subscription, error)
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Watcher owns one owner's synchronized bookmark list. All exported
// methods are safe for concurrent use.
type Watcher struct {
	source Source

	mu         sync.Mutex
	items      []feed.Bookmark
	loading    bool
	subscribed bool

	updates chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWatcher(source Source) *Watcher {
	return &Watcher{
		source:  source,
		loading: true,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start fetches the current list and opens the feed subscription. A
// failed fetch leaves the list empty and is logged, not surfaced; the
// subscription is attempted regardless. A dropped feed reconnects with
// capped backoff and a full re-fetch to resync.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	items, err := w.source.Fetch(ctx)
	if err != nil {
		log.Printf("live: initial fetch failed: %v", err)
		items = nil
	}
	w.mu.Lock()
	w.items = items
	w.loading = false
	w.mu.Unlock()
	w.notify()

	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	backoff := initialBackoff
	resync := false
	for {
		sub, err := w.source.Subscribe(ctx)
		if err != nil {
			w.setSubscribed(false)
			if ctx.Err() != nil {
				return
			}
			log.Printf("live: subscribe failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			resync = true
			continue
		}

		// Events published while the feed was down are lost, so a
		// reconnect must re-fetch the full list before trusting the
		// stream again.
		if resync {
			if items, err := w.source.Fetch(ctx); err != nil {
				log.Printf("live: resync fetch failed: %v", err)
			} else {
				w.mu.Lock()
				w.items = items
				w.mu.Unlock()
				w.notify()
			}
		}
		w.setSubscribed(true)
		backoff = initialBackoff
		resync = true

		w.consume(ctx, sub)
		w.setSubscribed(false)
		if ctx.Err() != nil {
			return
		}
		log.Printf("live: feed connection lost, reconnecting")
	}
}

func (w *Watcher) consume(ctx context.Context, sub Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			w.apply(event)
		}
	}
}

// apply merges one feed event into the list.
func (w *Watcher) apply(event feed.Event) {
	w.mu.Lock()
	changed := false
	switch event.Type {
	case feed.EventInsert:
		if event.New != nil {
			changed = w.applyInsert(*event.New)
		}
	case feed.EventUpdate:
		if event.New != nil {
			changed = w.applyUpdate(*event.New)
		}
	case feed.EventDelete:
		if event.Old != nil {
			changed = w.applyDelete(event.Old.ID)
		}
	}
	w.mu.Unlock()
	if changed {
		w.notify()
	}
}

func (w *Watcher) applyInsert(item feed.Bookmark) bool {
	// Duplicate delivery of an insert must not duplicate the row.
	if w.indexOf(item.ID) >= 0 {
		return false
	}
	w.items = append(w.items, item)
	// Feed delivery order only approximates creation order; keep the
	// list sorted by timestamp instead of trusting it.
	sort.SliceStable(w.items, func(i, j int) bool {
		return w.items[i].CreatedAt.After(w.items[j].CreatedAt)
	})
	return true
}

func (w *Watcher) applyUpdate(item feed.Bookmark) bool {
	idx := w.indexOf(item.ID)
	if idx < 0 {
		// An update for a row we never saw means the list has drifted
		// from server state; the next resync will recover it.
		log.Printf("live: update for unknown bookmark %s dropped", item.ID)
		return false
	}
	w.items[idx] = item
	return true
}

func (w *Watcher) applyDelete(id string) bool {
	idx := w.indexOf(id)
	if idx < 0 {
		return false
	}
	w.items = append(w.items[:idx], w.items[idx+1:]...)
	return true
}

func (w *Watcher) indexOf(id string) int {
	for i := range w.items {
		if w.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Bookmarks returns a copy of the current list, newest first.
func (w *Watcher) Bookmarks() []feed.Bookmark {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]feed.Bookmark, len(w.items))
	copy(out, w.items)
	return out
}

// Loading reports whether the initial fetch is still in flight.
func (w *Watcher) Loading() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loading
}

// Subscribed reports whether the feed is currently live. Callers can
// surface it as a "not live" indicator.
func (w *Watcher) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscribed
}

// Updates signals after every applied change. The channel carries no
// data and is never closed; coalesced signals are fine.
func (w *Watcher) Updates() <-chan struct{} {
	return w.updates
}

// Close tears down the subscription and stops the watcher.
func (w *Watcher) Close() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) setSubscribed(v bool) {
	w.mu.Lock()
	w.subscribed = v
	w.mu.Unlock()
	w.notify()
}

func (w *Watcher) notify() {
	select {
	case w.updates <- struct{}{}:
	default:
	}
}
