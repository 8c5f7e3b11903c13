package search

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		url          string
		wantType     string
		wantPlatform string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", ContentTypeVideo, "youtube"},
		{"https://youtu.be/dQw4w9WgXcQ", ContentTypeVideo, "youtube"},
		{"https://www.youtube.com/shorts/abc123", ContentTypeVideo, "youtube"},
		{"https://vimeo.com/123456789", ContentTypeVideo, "vimeo"},
		{"https://www.dailymotion.com/video/x7abc", ContentTypeVideo, "dailymotion"},
		{"https://www.twitch.tv/videos/987654", ContentTypeVideo, "twitch"},
		{"https://www.tiktok.com/@user/video/1234567890", ContentTypeVideo, "tiktok"},
		{"https://www.instagram.com/reel/abc/", ContentTypeVideo, "instagram"},
		{"https://cdn.example.com/clip.mp4", ContentTypeVideo, ""},
		{"https://example.com/photo.jpg", ContentTypeImage, ""},
		{"https://example.com/diagram.svg?v=2", ContentTypeImage, ""},
		{"https://example.com/article", ContentTypeWeb, ""},
		{"https://en.wikipedia.org/wiki/Go_(programming_language)", ContentTypeWeb, ""},
		{"https://example.com/page.html", ContentTypeWeb, ""},
	}
	for _, tc := range cases {
		ct, platform := Classify(tc.url)
		if ct != tc.wantType || platform != tc.wantPlatform {
			t.Errorf("Classify(%q) = (%s, %s), want (%s, %s)", tc.url, ct, platform, tc.wantType, tc.wantPlatform)
		}
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	t.Parallel()
	ct, platform := Classify("https://WWW.YOUTUBE.COM/WATCH?V=ABC")
	if ct != ContentTypeVideo || platform != "youtube" {
		t.Errorf("uppercase URL classified as (%s, %s)", ct, platform)
	}
}

func TestDetectTicker(t *testing.T) {
	t.Parallel()
	cases := []struct {
		query string
		want  string
	}{
		{"what is $AAPL doing today", "AAPL"},
		{"apple stock price", "AAPL"},
		{"tesla earnings report", "TSLA"},
		{"apple pie recipe", ""},
		{"nvidia market cap history", "NVDA"},
		{"how do compilers work", ""},
	}
	for _, tc := range cases {
		if got := DetectTicker(tc.query); got != tc.want {
			t.Errorf("DetectTicker(%q) = %q, want %q", tc.query, got, tc.want)
		}
	}
}

func TestSelectRelevantShortTextUnchanged(t *testing.T) {
	t.Parallel()
	text := "short document about go concurrency"
	if got := SelectRelevant(text, "go concurrency", 300); got != text {
		t.Errorf("short text must be returned whole, got %q", got)
	}
}

func TestSelectRelevantPicksMatchingWindow(t *testing.T) {
	t.Parallel()
	var prefix string
	for i := 0; i < 200; i++ {
		prefix += "filler "
	}
	text := prefix + "goroutines and channels make concurrency in go practical"
	got := SelectRelevant(text, "goroutines channels", 50)
	if got == "" {
		t.Fatal("empty selection")
	}
	if !strings.Contains(got, "goroutines") {
		t.Errorf("selected window misses the query terms: %q", got)
	}
}
