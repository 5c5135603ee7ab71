package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"CommunityPress/internal/config"
	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
	"CommunityPress/internal/scanner"
)

// StrategySource implements ContentSource via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	sites    []config.SiteConfig
	logger   *slog.Logger
}

var _ ports.ContentSource = (*StrategySource)(nil)

// NewStrategySource wires the scanner registry with config-defined sites.
func NewStrategySource(reg *scanner.Registry, sites []config.SiteConfig, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		sites:    sites,
		logger:   log,
	}
}

// Fetch iterates over configured sites and executes their scanners. A failing
// site is skipped so one unreachable source never starves the others; the
// error is returned only when every site fails.
func (s *StrategySource) Fetch(ctx context.Context) ([]domain.RawItem, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	var (
		aggregated []domain.RawItem
		failures   []error
	)

	for _, site := range s.sites {
		strategy, err := s.registry.Resolve(site.Scanner)
		if err != nil {
			failures = append(failures, fmt.Errorf("site %s: %w", site.Name, err))
			s.warn("unresolvable scanner", "site", site.Name, "scanner", site.Scanner)
			continue
		}

		req := scanner.Request{
			SiteName:   site.Name,
			SourceType: domain.SourceType(site.SourceType),
			County:     site.County,
			URL:        site.URL,
			Options:    site.Options,
		}

		results, err := strategy.Scan(ctx, req)
		if err != nil {
			failures = append(failures, fmt.Errorf("scan site %s: %w", site.Name, err))
			s.warn("scan failed", "site", site.Name, "error", err)
			continue
		}

		s.debug("site produced items", "site", site.Name, "count", len(results))
		aggregated = append(aggregated, results...)
	}

	if len(aggregated) == 0 && len(failures) > 0 {
		return nil, errors.Join(failures...)
	}

	return aggregated, nil
}

func (s *StrategySource) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *StrategySource) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
