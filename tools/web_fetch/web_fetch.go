package web_fetch

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch/httpfetch"
	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch/models"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

// WebFetcher crawls a URL and returns extracted content.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
	HTTPFetcherType     FetcherType = "http"
)

type Error struct{ Msg string }

func (e *Error) Error() string { return e.Msg }

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}

	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	case HTTPFetcherType:
		return httpfetch.New(timeout, maxChars), nil
	default:
		return nil, &Error{"unsupported fetcher type"}
	}
}
