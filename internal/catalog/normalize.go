package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidFeedURL indicates a reference URL that cannot be normalized.
var ErrInvalidFeedURL = errors.New("catalog: invalid feed url")

// URLNormalizer turns the literal URL a client submitted into its canonical
// form. The catalog ships a default implementation; the interface exists so
// the ingestion layer can be tested against a fake and so an external
// sanitizer can be plugged in.
type URLNormalizer interface {
	Normalize(rawURL string) (string, error)
}

// FeedURLNormalizer is the default normalizer. It lowercases scheme and
// host, strips fragments and default ports, and ensures a non-empty path.
type FeedURLNormalizer struct{}

// NewFeedURLNormalizer returns the default feed URL normalizer.
func NewFeedURLNormalizer() FeedURLNormalizer {
	return FeedURLNormalizer{}
}

// Normalize canonicalizes the given URL string.
func (FeedURLNormalizer) Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFeedURL)
	}

	// Clients frequently drop the scheme when typing feed URLs by hand.
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFeedURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidFeedURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidFeedURL)
	}

	host := strings.ToLower(parsed.Host)
	host = strings.TrimSuffix(host, ":80")
	if scheme == "https" {
		host = strings.TrimSuffix(strings.ToLower(parsed.Host), ":443")
	}

	parsed.Scheme = scheme
	parsed.Host = host
	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	return parsed.String(), nil
}
