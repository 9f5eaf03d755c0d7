package catalog

import (
	"errors"
	"testing"
)

func TestNormalizeCanonicalizesURLs(t *testing.T) {
	normalizer := NewFeedURLNormalizer()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "http://EXAMPLE.com/Feed.xml", "http://example.com/Feed.xml"},
		{"adds scheme", "example.com/feed.xml", "http://example.com/feed.xml"},
		{"strips default port", "http://example.com:80/feed.xml", "http://example.com/feed.xml"},
		{"strips https default port", "https://example.com:443/feed.xml", "https://example.com/feed.xml"},
		{"strips fragment", "http://example.com/feed.xml#latest", "http://example.com/feed.xml"},
		{"adds root path", "http://example.com", "http://example.com/"},
		{"trims whitespace", "  http://example.com/feed.xml  ", "http://example.com/feed.xml"},
	}

	for _, testCase := range cases {
		got, err := normalizer.Normalize(testCase.in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", testCase.name, err)
		}
		if got != testCase.want {
			t.Fatalf("%s: got %q want %q", testCase.name, got, testCase.want)
		}
	}
}

func TestNormalizeRejectsInvalidURLs(t *testing.T) {
	normalizer := NewFeedURLNormalizer()
	for _, raw := range []string{"", "   ", "ftp://example.com/feed.xml", "http://"} {
		if _, err := normalizer.Normalize(raw); !errors.Is(err, ErrInvalidFeedURL) {
			t.Fatalf("expected ErrInvalidFeedURL for %q, got %v", raw, err)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	normalizer := NewFeedURLNormalizer()
	first, err := normalizer.Normalize("EXAMPLE.com:80/feed.xml#x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := normalizer.Normalize(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable normalization, got %q then %q", first, second)
	}
}
