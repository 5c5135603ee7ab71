package usecase

import (
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"CommunityPress/internal/domain"
)

//go:embed newsletter.html.tmpl
var newsletterTemplate string

var issueTemplate = template.Must(template.New("newsletter").Funcs(template.FuncMap{
	"countyLabel": countyLabel,
}).Parse(newsletterTemplate))

// digestGroup is one county section of the link digest.
type digestGroup struct {
	County string
	Items  []domain.ContentItem
}

// calendarEvent is one row of the community calendar.
type calendarEvent struct {
	Date     time.Time
	Time     string
	Title    string
	Location string
	URL      string
}

// renderInput is everything the issue templates need.
type renderInput struct {
	Title         string
	Subject       string
	Date          time.Time
	FeaturedTitle string
	FeaturedStory string
	FeaturedURL   string
	Groups        []digestGroup
	Events        []calendarEvent
}

func renderHTML(issue renderInput) (string, error) {
	var builder strings.Builder
	if err := issueTemplate.Execute(&builder, issue); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return builder.String(), nil
}

// renderPlainText builds the text alternative for clients without HTML.
func renderPlainText(issue renderInput) string {
	var lines []string
	lines = append(lines,
		strings.ToUpper(issue.Title),
		issue.Date.Format("January 2, 2006"),
		"",
		strings.Repeat("=", 50),
		"",
	)

	if issue.FeaturedTitle != "" {
		lines = append(lines,
			"FEATURED STORY",
			strings.Repeat("-", 30),
			issue.FeaturedTitle,
			"",
			issue.FeaturedStory,
		)
		if issue.FeaturedURL != "" {
			lines = append(lines, "Read more: "+issue.FeaturedURL)
		}
		lines = append(lines, "")
	}

	for _, group := range issue.Groups {
		lines = append(lines,
			strings.ToUpper(countyLabel(group.County)),
			strings.Repeat("-", 30),
		)
		for _, item := range group.Items {
			lines = append(lines, "* "+item.Title)
			lines = append(lines, "  "+item.URL)
		}
		lines = append(lines, "")
	}

	if len(issue.Events) > 0 {
		lines = append(lines,
			"COMMUNITY CALENDAR",
			strings.Repeat("-", 30),
		)
		for _, event := range issue.Events {
			line := "* " + event.Date.Format("Mon, Jan 2") + ": " + event.Title
			if event.Time != "" {
				line += " at " + event.Time
			}
			if event.Location != "" {
				line += " (" + event.Location + ")"
			}
			lines = append(lines, line)
		}
		lines = append(lines, "")
	}

	lines = append(lines, strings.Repeat("=", 50))
	return strings.Join(lines, "\n")
}

func countyLabel(county string) string {
	if county == "" {
		return "Around the Region"
	}
	first, size := utf8.DecodeRuneInString(county)
	return string(unicode.ToUpper(first)) + county[size:] + " County"
}
