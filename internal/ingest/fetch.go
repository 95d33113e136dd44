package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	fetchTimeout   = 30 * time.Second
	fetchRetries   = 3
	fetchBackoff   = 500 * time.Millisecond
	maxFetchBytes  = 16 << 20
	crawlUserAgent = "ragpipe/1.0"
)

// Page is one fetched remote document.
type Page struct {
	URL         string
	ContentType string
	Title       string
	Body        []byte
}

// CrawlOptions bound a recursive crawl.
type CrawlOptions struct {
	MaxDepth int
	MaxPages int
	Delay    time.Duration
}

// Fetcher retrieves remote pages under a shared rate limit. A single
// Fetcher is reused across requests so concurrent ingests respect one
// budget per process.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	crawl   CrawlOptions
}

func NewFetcher(crawl CrawlOptions) *Fetcher {
	if crawl.MaxDepth <= 0 {
		crawl.MaxDepth = 2
	}
	if crawl.MaxPages <= 0 {
		crawl.MaxPages = 50
	}
	if crawl.Delay <= 0 {
		crawl.Delay = 500 * time.Millisecond
	}
	return &Fetcher{
		client:  &http.Client{Timeout: fetchTimeout},
		limiter: rate.NewLimiter(rate.Every(crawl.Delay), 1),
		crawl:   crawl,
	}
}

// Fetch retrieves one URL. Network failures, 429s, and 5xx responses retry
// with capped backoff; everything surfaces wrapped in ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Page{}, fmt.Errorf("%w: invalid url %q", ErrFetch, rawURL)
	}

	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if attempt > 0 {
			backoff := fetchBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return Page{}, fmt.Errorf("%w: %v", ErrFetch, ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return Page{}, fmt.Errorf("%w: %v", ErrFetch, err)
		}

		page, retryable, err := f.doFetch(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		if !retryable {
			return Page{}, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		lastErr = err
	}
	return Page{}, fmt.Errorf("%w after %d attempts: %v", ErrFetch, fetchRetries, lastErr)
}

func (f *Fetcher) doFetch(ctx context.Context, rawURL string) (Page, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, false, err
	}
	req.Header.Set("User-Agent", crawlUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return Page{}, retryable, fmt.Errorf("GET %s returned %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Page{}, true, fmt.Errorf("reading %s: %v", rawURL, err)
	}

	page := Page{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if strings.Contains(page.ContentType, "html") {
		_, page.Title = htmlToText(body)
	}
	return page, false, nil
}

// Crawl fetches start and follows same-origin links breadth-first up to
// MaxDepth hops and MaxPages pages. Pages that fail to fetch are skipped.
func (f *Fetcher) Crawl(ctx context.Context, start string) ([]Page, error) {
	origin, err := url.Parse(start)
	if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid url %q", ErrFetch, start)
	}

	type queued struct {
		url   string
		depth int
	}
	queue := []queued{{url: start, depth: 0}}
	seen := map[string]bool{canonical(start): true}

	var pages []Page
	for len(queue) > 0 && len(pages) < f.crawl.MaxPages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		next := queue[0]
		queue = queue[1:]

		page, err := f.Fetch(ctx, next.url)
		if err != nil {
			if next.depth == 0 {
				return nil, err
			}
			continue
		}
		pages = append(pages, page)

		if next.depth >= f.crawl.MaxDepth || !strings.Contains(page.ContentType, "html") {
			continue
		}
		for _, link := range extractLinks(page.Body, next.url) {
			target, err := url.Parse(link)
			if err != nil || target.Host != origin.Host || target.Scheme != origin.Scheme {
				continue
			}
			key := canonical(link)
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, queued{url: link, depth: next.depth + 1})
		}
	}
	return pages, nil
}

// canonical strips fragments and trailing slashes for de-duplication.
func canonical(rawURL string) string {
	if i := strings.Index(rawURL, "#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.TrimRight(rawURL, "/")
}
