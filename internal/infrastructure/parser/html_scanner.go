package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/scanner"
)

const (
	defaultMaxArticles     = 15
	defaultArticleSelector = "article"
)

// skipPathFragments filter out navigation and category links that look like
// article anchors but never resolve to a story page.
var skipPathFragments = []string{"/tag/", "/category/", "/author/", "/search", "/login", "/subscribe", "#"}

// HTMLScanner crawls a site index page and extracts linked articles.
type HTMLScanner struct {
	client *http.Client
	logger *slog.Logger
}

var _ scanner.Scanner = (*HTMLScanner)(nil)

// NewHTMLScanner wires an HTTP client; a nil client gets a 20s-timeout default.
func NewHTMLScanner(client *http.Client, logger *slog.Logger) *HTMLScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTMLScanner{client: client, logger: logger}
}

// Name identifies the strategy inside the registry.
func (h *HTMLScanner) Name() string {
	return "html"
}

// Scan fetches the site index, extracts candidate article links, and parses
// each linked page. Per-article failures are skipped, not fatal.
func (h *HTMLScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	doc, err := h.fetchDocument(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", req.SiteName, err)
	}

	links := extractArticleLinks(doc, req.URL, req.Options["articleSelector"])
	maxArticles := defaultMaxArticles
	if raw, ok := req.Options["maxArticles"]; ok {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxArticles = parsed
		}
	}
	if len(links) > maxArticles {
		links = links[:maxArticles]
	}

	items := make([]domain.RawItem, 0, len(links))
	for _, link := range links {
		articleDoc, err := h.fetchDocument(ctx, link)
		if err != nil {
			h.debug("skip article", "url", link, "error", err)
			continue
		}

		item := parseArticle(articleDoc, link, req)
		if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Body) == "" {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

func (h *HTMLScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "CommunityPress/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("site returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

func extractArticleLinks(doc *goquery.Document, baseURL, selector string) []string {
	if selector == "" {
		selector = defaultArticleSelector
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := map[string]struct{}{}
	var links []string

	collect := func(sel *goquery.Selection) {
		sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if !looksLikeArticle(href) {
				return
			}

			resolved, err := base.Parse(href)
			if err != nil || resolved.Host != base.Host {
				return
			}

			normalized := domain.NormalizeURL(resolved.String())
			if _, ok := seen[normalized]; ok {
				return
			}
			seen[normalized] = struct{}{}
			links = append(links, resolved.String())
		})
	}

	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		collect(sel)
	})

	return links
}

func looksLikeArticle(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
		return false
	}
	lowered := strings.ToLower(href)
	for _, fragment := range skipPathFragments {
		if strings.Contains(lowered, fragment) {
			return false
		}
	}
	return true
}

func parseArticle(doc *goquery.Document, link string, req scanner.Request) domain.RawItem {
	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var paragraphs []string
	body := doc.Find("article")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	return domain.RawItem{
		SourceType:  req.SourceType,
		SourceName:  req.SiteName,
		County:      req.County,
		URL:         link,
		Title:       title,
		Body:        strings.Join(paragraphs, "\n\n"),
		PublishedAt: parsePublishedAt(doc),
	}
}

func parsePublishedAt(doc *goquery.Document) time.Time {
	candidates := []string{
		doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""),
		doc.Find("time[datetime]").First().AttrOr("datetime", ""),
	}

	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				return parsed.UTC()
			}
		}
	}

	return time.Now().UTC()
}

func (h *HTMLScanner) debug(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Debug(msg, args...)
	}
}
