package search

import (
	"regexp"
	"strings"
)

// Entity detection for finance-flavored queries: an explicit $SYM token or a
// well-known company name yields a ticker symbol for the stream's ticker
// event.
var symbolPattern = regexp.MustCompile(`\$([A-Z]{1,5})\b`)

var companyTickers = map[string]string{
	"apple":     "AAPL",
	"microsoft": "MSFT",
	"google":    "GOOGL",
	"alphabet":  "GOOGL",
	"amazon":    "AMZN",
	"tesla":     "TSLA",
	"nvidia":    "NVDA",
	"meta":      "META",
	"netflix":   "NFLX",
	"intel":     "INTC",
	"amd":       "AMD",
}

var financeHints = []string{"stock", "share", "price", "earnings", "market cap", "dividend", "ticker"}

// DetectTicker returns the ticker symbol implied by the query, or "".
func DetectTicker(query string) string {
	if m := symbolPattern.FindStringSubmatch(query); m != nil {
		return m[1]
	}

	lower := strings.ToLower(query)
	hinted := false
	for _, h := range financeHints {
		if strings.Contains(lower, h) {
			hinted = true
			break
		}
	}
	if !hinted {
		return ""
	}
	for name, sym := range companyTickers {
		if strings.Contains(lower, name) {
			return sym
		}
	}
	return ""
}
