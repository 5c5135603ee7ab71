package domain

import (
	"testing"
	"time"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips tracking params",
			in:   "https://example.com/story?utm_source=fb&utm_campaign=spring&id=7",
			want: "https://example.com/story?id=7",
		},
		{
			name: "strips fbclid",
			in:   "https://example.com/story?fbclid=abc123",
			want: "https://example.com/story",
		},
		{
			name: "drops fragment and trailing slash",
			in:   "https://Example.COM/Story/#comments",
			want: "https://example.com/Story",
		},
		{
			name: "lowercases scheme and host only",
			in:   "HTTPS://Example.com/MixedCase",
			want: "https://example.com/MixedCase",
		},
		{
			name: "unparseable input lowercased as-is",
			in:   "Not A URL",
			want: "not a url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	base := Fingerprint("https://example.com/story", "Big News")

	same := []struct {
		url   string
		title string
	}{
		{"https://example.com/story?utm_source=feed", "Big News"},
		{"https://EXAMPLE.com/story/", "Big News"},
		{"https://example.com/story#top", "  big news  "},
	}
	for _, tt := range same {
		if got := Fingerprint(tt.url, tt.title); got != base {
			t.Fatalf("Fingerprint(%q, %q) differs from base", tt.url, tt.title)
		}
	}

	if Fingerprint("https://example.com/story", "Other News") == base {
		t.Fatal("different title produced the same fingerprint")
	}
	if Fingerprint("https://example.com/other", "Big News") == base {
		t.Fatal("different URL produced the same fingerprint")
	}
}

func TestRawItemValidate(t *testing.T) {
	t.Parallel()

	valid := RawItem{
		SourceType:  SourceNews,
		SourceName:  "Telegram",
		URL:         "https://example.com/a",
		Title:       "Story",
		PublishedAt: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid item rejected: %v", err)
	}

	badType := valid
	badType.SourceType = "billboard"
	if err := badType.Validate(); err == nil {
		t.Fatal("unknown source type accepted")
	}

	noURL := valid
	noURL.URL = "  "
	if err := noURL.Validate(); err == nil {
		t.Fatal("empty url accepted")
	}

	empty := valid
	empty.Title = ""
	empty.Body = ""
	if err := empty.Validate(); err == nil {
		t.Fatal("item with neither title nor body accepted")
	}
}

func TestNewsletterStatusHelpers(t *testing.T) {
	t.Parallel()

	if !NewsletterDraft.InFlight() || !NewsletterPendingApproval.InFlight() {
		t.Fatal("draft and pending_approval must count as in flight")
	}
	if NewsletterApproved.InFlight() || NewsletterSent.InFlight() {
		t.Fatal("approved and sent must not count as in flight")
	}
	if !NewsletterSent.Terminal() || !NewsletterFailed.Terminal() {
		t.Fatal("sent and failed must be terminal")
	}
	if NewsletterApproved.Terminal() {
		t.Fatal("approved must not be terminal")
	}
}
