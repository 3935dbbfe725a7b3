package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultRenderTimeout = 30 * time.Second

// Renderer returns the HTML of a page after its scripts have run.
type Renderer interface {
	Render(ctx context.Context, url, waitSelector string) (string, error)
}

// ChromeRenderer drives a headless Chromium through chromedp.
type ChromeRenderer struct {
	// Timeout bounds a whole render. Zero means defaultRenderTimeout.
	Timeout time.Duration
	// Settle is an extra delay after the wait selector becomes visible.
	Settle time.Duration
}

// Render navigates to url, waits until waitSelector is visible (or the body
// is ready when empty) and returns the outer HTML of the document.
func (r *ChromeRenderer) Render(parent context.Context, url, waitSelector string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("render: url is required")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	if waitSelector == "" {
		waitSelector = "body"
	}

	ctx, cancel := chromedp.NewContext(parent)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitVisible(waitSelector, chromedp.ByQuery),
	}
	if r.Settle > 0 {
		tasks = append(tasks, chromedp.Sleep(r.Settle))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", fmt.Errorf("render: chromedp run failed: %w", err)
	}
	return html, nil
}
