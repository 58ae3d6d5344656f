package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkstash/api/internal/feed"
)

type fakeSubscription struct {
	events    chan feed.Event
	closeOnce sync.Once
}

func (s *fakeSubscription) Events() <-chan feed.Event { return s.events }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

type fakeSource struct {
	mu         sync.Mutex
	fetchFn    func() ([]feed.Bookmark, error)
	subErr     error
	subs       []*fakeSubscription
	fetchCalls int
}

func (f *fakeSource) Fetch(context.Context) ([]feed.Bookmark, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (f *fakeSource) Subscribe(context.Context) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub := &fakeSubscription{events: make(chan feed.Event, 16)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) currentSub(t *testing.T) *fakeSubscription {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.subs)
		var sub *fakeSubscription
		if n > 0 {
			sub = f.subs[n-1]
		}
		f.mu.Unlock()
		if sub != nil {
			return sub
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no subscription opened")
	return nil
}

func at(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func bm(id string, created time.Time) feed.Bookmark {
	return feed.Bookmark{ID: id, UserID: "user-1", Title: "t-" + id, URL: "https://example.com/" + id, CreatedAt: created}
}

func waitFor(t *testing.T, w *Watcher, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		select {
		case <-w.Updates():
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("condition not reached; list=%v", ids(w.Bookmarks()))
}

func ids(items []feed.Bookmark) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func startWatcher(t *testing.T, source *fakeSource) *Watcher {
	t.Helper()
	w := NewWatcher(source)
	w.Start(context.Background())
	t.Cleanup(w.Close)
	return w
}

func TestInitialFetchNewestFirst(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("b", at(2)), bm("a", at(1))}, nil
	}}
	w := startWatcher(t, source)

	waitFor(t, w, func() bool { return !w.Loading() && w.Subscribed() })

	got := ids(w.Bookmarks())
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("unexpected initial list: %v", got)
	}
}

func TestFetchFailureLeavesEmptyListButSubscribes(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return nil, errors.New("boom")
	}}
	w := startWatcher(t, source)

	waitFor(t, w, func() bool { return !w.Loading() && w.Subscribed() })

	if len(w.Bookmarks()) != 0 {
		t.Fatalf("expected empty list, got %v", ids(w.Bookmarks()))
	}
}

func TestInsertKeepsTimestampOrder(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("c", at(30)), bm("a", at(10))}, nil
	}}
	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	// Event arrives late: created between the two existing rows.
	mid := bm("b", at(20))
	source.currentSub(t).events <- feed.Event{Type: feed.EventInsert, New: &mid}

	waitFor(t, w, func() bool { return len(w.Bookmarks()) == 3 })
	got := ids(w.Bookmarks())
	if got[0] != "c" || got[1] != "b" || got[2] != "a" {
		t.Fatalf("expected [c b a], got %v", got)
	}
}

func TestInsertWithKnownIDDoesNotDuplicate(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("a", at(1))}, nil
	}}
	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	dup := bm("a", at(1))
	sub := source.currentSub(t)
	sub.events <- feed.Event{Type: feed.EventInsert, New: &dup}
	fresh := bm("b", at(2))
	sub.events <- feed.Event{Type: feed.EventInsert, New: &fresh}

	waitFor(t, w, func() bool { return len(w.Bookmarks()) == 2 })
	got := ids(w.Bookmarks())
	if got[0] != "b" || got[1] != "a" {
		t.Fatalf("expected [b a], got %v", got)
	}
}

func TestUpdateReplacesInPlace(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("b", at(2)), bm("a", at(1))}, nil
	}}
	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	updated := bm("a", at(1))
	updated.Title = "renamed"
	source.currentSub(t).events <- feed.Event{Type: feed.EventUpdate, New: &updated}

	waitFor(t, w, func() bool {
		items := w.Bookmarks()
		return len(items) == 2 && items[1].Title == "renamed"
	})
	got := ids(w.Bookmarks())
	if got[0] != "b" || got[1] != "a" {
		t.Fatalf("update moved the row: %v", got)
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("a", at(1))}, nil
	}}
	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	updated := bm("a", at(1))
	updated.Title = "renamed"
	sub := source.currentSub(t)
	sub.events <- feed.Event{Type: feed.EventUpdate, New: &updated}
	sub.events <- feed.Event{Type: feed.EventUpdate, New: &updated}

	waitFor(t, w, func() bool {
		items := w.Bookmarks()
		return len(items) == 1 && items[0].Title == "renamed"
	})
}

func TestUpdateForUnknownIDIsDropped(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("a", at(1))}, nil
	}}
	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	ghost := bm("ghost", at(9))
	sub := source.currentSub(t)
	sub.events <- feed.Event{Type: feed.EventUpdate, New: &ghost}
	marker := bm("b", at(2))
	sub.events <- feed.Event{Type: feed.EventInsert, New: &marker}

	waitFor(t, w, func() bool { return len(w.Bookmarks()) == 2 })
	for _, id := range ids(w.Bookmarks()) {
		if id == "ghost" {
			t.Fatal("unknown-id update was applied")
		}
	}
}

func TestDeleteRemovesRowAndAbsentIsNoop(t *testing.T) {
	source := &fakeSource{fetchFn: func() ([]feed.Bookmark, error) {
		return []feed.Bookmark{bm("b", at(2)), bm("a", at(1))}, nil
	}}
	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	gone := bm("a", at(1))
	sub := source.currentSub(t)
	sub.events <- feed.Event{Type: feed.EventDelete, Old: &gone}
	sub.events <- feed.Event{Type: feed.EventDelete, Old: &gone}

	waitFor(t, w, func() bool { return len(w.Bookmarks()) == 1 })
	if got := ids(w.Bookmarks()); got[0] != "b" {
		t.Fatalf("expected [b], got %v", got)
	}
}

func TestReconnectResyncsFromFetch(t *testing.T) {
	var mu sync.Mutex
	serverState := []feed.Bookmark{bm("a", at(1))}

	source := &fakeSource{}
	source.fetchFn = func() ([]feed.Bookmark, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]feed.Bookmark, len(serverState))
		copy(out, serverState)
		return out, nil
	}

	w := startWatcher(t, source)
	waitFor(t, w, func() bool { return w.Subscribed() })

	// The row changes server-side while the feed connection drops.
	mu.Lock()
	serverState = []feed.Bookmark{bm("b", at(2)), bm("a", at(1))}
	mu.Unlock()
	first := source.currentSub(t)
	first.Close()

	waitFor(t, w, func() bool { return len(w.Bookmarks()) == 2 && w.Subscribed() })
	got := ids(w.Bookmarks())
	if got[0] != "b" || got[1] != "a" {
		t.Fatalf("resync did not pick up server state: %v", got)
	}

	source.mu.Lock()
	reconnects := len(source.subs)
	source.mu.Unlock()
	if reconnects < 2 {
		t.Fatalf("expected a second subscription after drop, got %d", reconnects)
	}
}

func TestCloseStopsWatcher(t *testing.T) {
	source := &fakeSource{}
	w := NewWatcher(source)
	w.Start(context.Background())
	waitFor(t, w, func() bool { return w.Subscribed() })

	w.Close()

	if w.Subscribed() {
		t.Error("watcher still subscribed after Close")
	}
}
