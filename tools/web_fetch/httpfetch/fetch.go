package httpfetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch/models"
)

const maxBodyBytes = 4 << 20

// Fetch crawls pages over plain HTTP and extracts the main article content.
type Fetch struct {
	client   *http.Client
	md       *converter.Converter
	maxChars int
}

func New(timeout time.Duration, maxChars int) *Fetch {
	return &Fetch{
		client:   &http.Client{Timeout: timeout},
		maxChars: maxChars,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

func (f *Fetch) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return models.Result{}, errors.New("invalid url")
	}
	t0 := time.Now()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return models.Result{}, err
	}
	req.Header.Set("User-Agent", "deepsearch/1.0 (+https://github.com/mohammad-safakhou/deepsearch)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return models.Result{URL: rawURL, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Result{URL: rawURL, Status: resp.StatusCode, RenderMS: int(time.Since(t0) / time.Millisecond)}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Result{URL: rawURL, Status: resp.StatusCode, RenderMS: int(time.Since(t0) / time.Millisecond)},
			errors.New(resp.Status)
	}
	html := string(body)

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return models.Result{URL: rawURL, Status: resp.StatusCode, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}
	text := article.TextContent
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}

	markdown := ""
	if article.Content != "" {
		if md, err := f.md.ConvertString(article.Content, converter.WithDomain(rawURL)); err == nil {
			markdown = strings.TrimSpace(md)
			if len(markdown) > f.maxChars {
				markdown = markdown[:f.maxChars]
			}
		}
	}

	sum := sha1.Sum(body)

	return models.Result{
		URL:         rawURL,
		Title:       strings.TrimSpace(article.Title),
		Byline:      strings.TrimSpace(article.Byline),
		PublishedAt: article.SiteName,
		Text:        strings.TrimSpace(text),
		Markdown:    markdown,
		TopImage:    article.Image,
		HTMLHash:    hex.EncodeToString(sum[:]),
		Status:      resp.StatusCode,
		RenderMS:    int(time.Since(t0) / time.Millisecond),
	}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
