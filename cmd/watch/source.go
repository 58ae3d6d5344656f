package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"linkstash/api/internal/feed"
	"linkstash/api/internal/live"
)

// httpSource feeds a live.Watcher from a running API server: the
// bookmark list over plain JSON and the change feed over SSE.
type httpSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPSource(baseURL, token string) *httpSource {
	return &httpSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *httpSource) Fetch(ctx context.Context) ([]feed.Bookmark, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/bookmarks", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list bookmarks: status %d", resp.StatusCode)
	}

	var body struct {
		Bookmarks []feed.Bookmark `json:"bookmarks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode bookmarks: %w", err)
	}
	return body.Bookmarks, nil
}

func (s *httpSource) Subscribe(ctx context.Context) (live.Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/bookmarks/feed", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout here: the stream stays open until closed.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open feed: status %d", resp.StatusCode)
	}

	sub := &sseSubscription{
		body:   resp.Body,
		events: make(chan feed.Event, 16),
	}
	go sub.read()
	return sub, nil
}

type sseSubscription struct {
	body   io.ReadCloser
	events chan feed.Event
	once   sync.Once
}

func (s *sseSubscription) Events() <-chan feed.Event { return s.events }

func (s *sseSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

// read parses the SSE stream. Snapshot events are skipped — the
// watcher does its own full fetch — and only change events flow on.
func (s *sseSubscription) read() {
	defer close(s.events)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "change" && data != "" {
				var event feed.Event
				if err := json.Unmarshal([]byte(data), &event); err == nil {
					s.events <- event
				}
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		// comment lines (heartbeats) fall through untouched
	}
}
