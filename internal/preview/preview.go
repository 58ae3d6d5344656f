// Package preview scrapes page metadata and captures screenshots with
// headless Chrome. Both are best-effort conveniences for filling in a
// bookmark; failures never block saving one.
package preview

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrChromeMissing is returned when no chromium binary is on PATH.
var ErrChromeMissing = errors.New("chromium not installed")

// Metadata is what a page tells us about itself.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FinalURL    string `json:"finalUrl"`
}

// Fetcher scrapes metadata and captures screenshots for a URL.
type Fetcher interface {
	FetchMetadata(ctx context.Context, url string) (Metadata, error)
	Screenshot(ctx context.Context, url string) ([]byte, error)
}

// Chrome implements Fetcher with a headless chromium instance that is
// launched per call and torn down after.
type Chrome struct {
	timeout time.Duration
}

func NewChrome() *Chrome {
	return &Chrome{timeout: 30 * time.Second}
}

func lookupChromium() error {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return ErrChromeMissing
		}
	}
	return nil
}

func (c *Chrome) newTaskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	ctx, cancelTimeout := context.WithTimeout(ctx, c.timeout)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	cancel := func() {
		cancelTask()
		cancelAlloc()
		cancelTimeout()
	}
	return taskCtx, cancel
}

// FetchMetadata loads the page and reads its title, meta description
// and post-redirect URL.
func (c *Chrome) FetchMetadata(ctx context.Context, url string) (Metadata, error) {
	if err := lookupChromium(); err != nil {
		return Metadata{}, err
	}

	taskCtx, cancel := c.newTaskContext(ctx)
	defer cancel()

	var meta Metadata
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Title(&meta.Title),
		chromedp.Location(&meta.FinalURL),
		chromedp.Evaluate(`document.querySelector('meta[name="description"]')?.content
			|| document.querySelector('meta[property="og:description"]')?.content
			|| ""`, &meta.Description),
	)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch metadata for %s: %w", url, err)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	meta.Description = strings.TrimSpace(meta.Description)
	return meta, nil
}

// Screenshot renders the page and returns a PNG of the viewport.
func (c *Chrome) Screenshot(ctx context.Context, url string) ([]byte, error) {
	if err := lookupChromium(); err != nil {
		return nil, err
	}

	taskCtx, cancel := c.newTaskContext(ctx)
	defer cancel()

	var shot []byte
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(1280, 800),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			shot, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", url, err)
	}
	return shot, nil
}
