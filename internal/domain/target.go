package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// TargetError reports a URL that cannot be used as a crawl target.
type TargetError struct {
	URL    string
	Reason string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("invalid crawl target %q: %s", e.URL, e.Reason)
}

// CrawlTarget is the URL supplied for one scraping run together with the
// domain identifier derived from it.
type CrawlTarget struct {
	URL    string
	Domain string
}

// ParseTarget validates rawURL and derives its domain. Only absolute http(s)
// URLs with a host are accepted. The domain is the lower-cased host with the
// port separator and any other character outside [a-z0-9._-] replaced by '_',
// so it is safe to use as a directory and file name.
func ParseTarget(rawURL string) (CrawlTarget, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return CrawlTarget{}, &TargetError{URL: rawURL, Reason: "empty url"}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return CrawlTarget{}, &TargetError{URL: rawURL, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return CrawlTarget{}, &TargetError{URL: rawURL, Reason: "url must start with http:// or https://"}
	}
	if u.Host == "" {
		return CrawlTarget{}, &TargetError{URL: rawURL, Reason: "missing host"}
	}

	d := sanitizeHost(u.Host)
	if strings.Trim(d, "._") == "" {
		return CrawlTarget{}, &TargetError{URL: rawURL, Reason: "host is not usable as a directory name"}
	}

	return CrawlTarget{URL: trimmed, Domain: d}, nil
}

func sanitizeHost(host string) string {
	host = strings.ToLower(host)
	var b strings.Builder
	b.Grow(len(host))
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
