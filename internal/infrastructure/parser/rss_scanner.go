package parser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/scanner"
)

// RSSScanner ingests sites that publish a syndication feed.
type RSSScanner struct {
	parser *gofeed.Parser
}

var _ scanner.Scanner = (*RSSScanner)(nil)

// NewRSSScanner wires a gofeed parser; a nil client gets a 20s-timeout default.
func NewRSSScanner(client *http.Client) *RSSScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = "CommunityPress/1.0"
	return &RSSScanner{parser: parser}
}

// Name identifies the strategy inside the registry.
func (r *RSSScanner) Name() string {
	return "rss"
}

// Scan parses the configured feed URL into raw items.
func (r *RSSScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	feed, err := r.parser.ParseURLWithContext(req.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("site %s: parse feed: %w", req.SiteName, err)
	}

	items := make([]domain.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry.Link == "" {
			continue
		}

		body := entry.Content
		if strings.TrimSpace(body) == "" {
			body = entry.Description
		}

		publishedAt := time.Now().UTC()
		if entry.PublishedParsed != nil {
			publishedAt = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			publishedAt = entry.UpdatedParsed.UTC()
		}

		items = append(items, domain.RawItem{
			SourceType:  req.SourceType,
			SourceName:  req.SiteName,
			County:      req.County,
			URL:         entry.Link,
			Title:       strings.TrimSpace(entry.Title),
			Body:        strings.TrimSpace(body),
			PublishedAt: publishedAt,
		})
	}

	return items, nil
}
