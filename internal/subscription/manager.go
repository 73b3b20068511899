package subscription

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"xraydeck/internal/config/parser"
	"xraydeck/internal/storage/models"
	pkgerrors "xraydeck/pkg/errors"
)

// Manager resolves a subscription source to the profile that gets stored.
type Manager struct {
	fetcher *Fetcher
	decoder *Decoder
	logger  *zap.Logger
}

// NewManager creates a new subscription manager
func NewManager(fetcher *Fetcher, logger *zap.Logger) *Manager {
	if fetcher == nil {
		fetcher = NewFetcher(DefaultFetcherConfig())
	}
	return &Manager{
		fetcher: fetcher,
		decoder: NewDecoder(),
		logger:  logger.Named("subscription"),
	}
}

// Result describes how a subscription was resolved.
type Result struct {
	Profile *models.Profile
	Total   int     // entries found in the subscription
	Skipped []error // parse errors of entries before the chosen one
	Title   string  // Profile-Title header, remote subscriptions only
}

// IsRemote reports whether source is an http(s) subscription URL.
func IsRemote(source string) bool {
	s := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Resolve decodes an inline base64 subscription or downloads a remote one,
// and returns the first entry that parses as a valid link.
func (m *Manager) Resolve(ctx context.Context, source string) (*Result, error) {
	source = strings.TrimSpace(source)

	var (
		links []string
		title string
		err   error
	)
	if IsRemote(source) {
		resp, ferr := m.fetcher.Fetch(ctx, source)
		if ferr != nil {
			return nil, ferr
		}
		links, err = m.decoder.Decode(resp.Body)
		title = m.decoder.ExtractMetadata(resp.Header).Title
	} else {
		links, err = m.decoder.DecodeInline(source)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Total: len(links), Title: title}
	for i, link := range links {
		profile, perr := parser.Parse(link)
		if perr != nil {
			result.Skipped = append(result.Skipped, fmt.Errorf("entry %d: %w", i, perr))
			continue
		}
		profile.SourceURL = source
		profile.ConfigType = models.ConfigTypeSubscription
		if profile.Name == "" {
			profile.Name = title
		}
		result.Profile = profile

		if len(links) > 1 {
			m.logger.Info("subscription has several entries, using the first valid one",
				zap.Int("entries", len(links)),
				zap.Int("chosen", i),
				zap.Int("skipped", len(result.Skipped)))
		}
		return result, nil
	}

	m.logger.Warn("subscription has no valid entries",
		zap.Int("entries", len(links)),
		zap.Errors("errors", result.Skipped))
	return nil, &pkgerrors.ValidationError{
		Input:  source,
		Reason: fmt.Sprintf("none of %d entries is a valid vless link", len(links)),
		Err:    pkgerrors.ErrSubscriptionEmpty,
	}
}
