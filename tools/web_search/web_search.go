package web_search

import (
	"context"

	"github.com/mohammad-safakhou/deepsearch/tools/web_search/brave"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search/models"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search/serper"
)

// WebSearcher issues a query against a search provider and returns ranked hits.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]models.Result, error)
	Ping(ctx context.Context) error
	Name() string
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

type Error struct{ Msg string }

func (e *Error) Error() string { return e.Msg }

var ErrUnsupportedProvider = &Error{"unsupported provider"}

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
