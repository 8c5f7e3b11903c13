package search

import (
	"net/url"
	"regexp"
	"strings"
)

// Video platform URL patterns, keyed by platform name.
var videoPlatforms = map[string][]*regexp.Regexp{
	"youtube": compileAll(
		`youtube\.com/watch\?v=`,
		`youtu\.be/`,
		`youtube\.com/embed/`,
		`youtube\.com/v/`,
		`youtube\.com/shorts/`,
	),
	"vimeo": compileAll(
		`vimeo\.com/\d+`,
		`player\.vimeo\.com/video/\d+`,
	),
	"dailymotion": compileAll(
		`dailymotion\.com/video/`,
		`dai\.ly/`,
	),
	"twitch": compileAll(
		`twitch\.tv/videos/\d+`,
		`clips\.twitch\.tv/`,
	),
	"tiktok": compileAll(
		`tiktok\.com/@.*/video/\d+`,
		`vm\.tiktok\.com/`,
	),
	"instagram": compileAll(
		`instagram\.com/p/`,
		`instagram\.com/reel/`,
		`instagram\.com/tv/`,
	),
}

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true,
	".webm": true, ".mkv": true, ".m4v": true, ".mpg": true, ".mpeg": true,
	".3gp": true, ".ogv": true, ".mts": true, ".m2ts": true, ".ts": true,
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".svg": true, ".bmp": true, ".ico": true, ".tiff": true, ".tif": true,
	".heif": true, ".heic": true,
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Classify determines a URL's content type from platform patterns and file
// extensions. Everything unrecognized is a regular web page.
func Classify(rawURL string) (contentType, platform string) {
	lower := strings.ToLower(rawURL)
	for name, patterns := range videoPlatforms {
		for _, re := range patterns {
			if re.MatchString(lower) {
				return ContentTypeVideo, name
			}
		}
	}

	u, err := url.Parse(lower)
	if err != nil {
		return ContentTypeWeb, ""
	}
	path := u.Path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		ext := path[idx:]
		if videoExtensions[ext] {
			return ContentTypeVideo, ""
		}
		if imageExtensions[ext] {
			return ContentTypeImage, ""
		}
	}
	return ContentTypeWeb, ""
}
