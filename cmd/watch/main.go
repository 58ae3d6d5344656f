// Command watch tails a Linkstash account's bookmark list in the
// terminal, kept current by the server's change feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"linkstash/api/internal/live"
)

func main() {
	apiURL := flag.String("api", envOr("LINKSTASH_API_URL", "http://localhost:8787"), "base URL of the API server")
	token := flag.String("token", os.Getenv("LINKSTASH_TOKEN"), "session token (or set LINKSTASH_TOKEN)")
	flag.Parse()

	if *token == "" {
		log.Fatal("a session token is required: pass -token or set LINKSTASH_TOKEN")
	}

	source := newHTTPSource(*apiURL, *token)
	watcher := live.NewWatcher(source)
	watcher.Start(context.Background())
	defer watcher.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	render(watcher)
	for {
		select {
		case <-sigCh:
			return
		case <-watcher.Updates():
			render(watcher)
		}
	}
}

func render(watcher *live.Watcher) {
	items := watcher.Bookmarks()

	fmt.Print("\033[2J\033[H")
	status := "LIVE"
	if !watcher.Subscribed() {
		status = "OFFLINE — reconnecting"
	}
	fmt.Printf("linkstash watch — %d bookmarks [%s]\n\n", len(items), status)

	for _, item := range items {
		category := ""
		if item.Category != nil {
			category = " (" + *item.Category + ")"
		}
		fmt.Printf("  %s  %s%s\n      %s\n", item.CreatedAt.Format("2006-01-02 15:04"), item.Title, category, item.URL)
	}
	if len(items) == 0 && !watcher.Loading() {
		fmt.Println("  no bookmarks yet")
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
