// Package config owns the single stored proxy profile: importing it from a
// link or subscription, re-validating it, and resetting it.
package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"xraydeck/internal/config/parser"
	"xraydeck/internal/storage"
	"xraydeck/internal/storage/models"
	"xraydeck/internal/subscription"
	pkgerrors "xraydeck/pkg/errors"
)

// Store persists and validates exactly one proxy profile.
type Store struct {
	storage storage.Storage
	subs    *subscription.Manager
	clock   clockwork.Clock
	logger  *zap.Logger
}

// NewStore creates a config store
func NewStore(store storage.Storage, subs *subscription.Manager, clock clockwork.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		storage: store,
		subs:    subs,
		clock:   clock,
		logger:  logger.Named("config"),
	}
}

// Import parses raw as a vless:// link, an inline base64 subscription, or a
// subscription URL, and replaces the stored profile on success. On failure
// the stored profile is left untouched.
func (s *Store) Import(ctx context.Context, raw string) (*models.Profile, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &pkgerrors.ValidationError{Reason: "empty input", Err: pkgerrors.ErrInvalidFormat}
	}

	profile, err := s.resolve(ctx, raw)
	if err != nil {
		s.logger.Info("import rejected", zap.String("code", pkgerrors.Code(err)), zap.Error(err))
		return nil, err
	}

	now := s.clock.Now().UTC()
	profile.ImportedAt = now
	profile.LastValidatedAt = &now
	profile.IsValid = true
	profile.ValidationError = ""

	if err := s.storage.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to store config: %w", err)
	}

	s.logger.Info("config imported",
		zap.String("type", profile.ConfigType),
		zap.String("address", profile.Address),
		zap.Int("port", profile.Port),
		zap.String("security", profile.Security))
	return profile, nil
}

func (s *Store) resolve(ctx context.Context, raw string) (*models.Profile, error) {
	if parser.IsLink(raw) {
		return parser.Parse(raw)
	}
	res, err := s.subs.Resolve(ctx, raw)
	if err != nil {
		return nil, err
	}
	return res.Profile, nil
}

// Current returns the stored profile, or nil when none is stored.
func (s *Store) Current(ctx context.Context) (*models.Profile, error) {
	return s.storage.GetProfile(ctx)
}

// Validate re-checks the stored profile against its source and records the
// outcome. Remote subscriptions are not downloaded; only the URL and the
// stored fields are checked.
func (s *Store) Validate(ctx context.Context) (*models.Profile, error) {
	profile, err := s.storage.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, pkgerrors.ErrNoConfig
	}

	verr := s.revalidate(ctx, profile)

	now := s.clock.Now().UTC()
	profile.LastValidatedAt = &now
	profile.IsValid = verr == nil
	profile.ValidationError = ""
	if verr != nil {
		profile.ValidationError = pkgerrors.Message(verr)
	}

	ok, err := s.storage.RecordValidation(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to store validation result: %w", err)
	}
	if !ok {
		// Reset or import won the race; their result stands.
		s.logger.Info("config replaced during validation, result dropped")
		current, err := s.storage.GetProfile(ctx)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, pkgerrors.ErrNoConfig
		}
		return current, nil
	}
	return profile, verr
}

func (s *Store) revalidate(ctx context.Context, profile *models.Profile) error {
	if profile.ConfigType == models.ConfigTypeSubscription && subscription.IsRemote(profile.SourceURL) {
		u, err := url.Parse(profile.SourceURL)
		if err != nil || u.Host == "" {
			return &pkgerrors.ValidationError{Input: profile.SourceURL, Reason: "malformed subscription URL", Err: pkgerrors.ErrInvalidFormat}
		}
		return parser.Validate(profile)
	}
	if _, err := s.resolve(ctx, profile.SourceURL); err != nil {
		return err
	}
	return parser.Validate(profile)
}

// Refresh downloads a URL-sourced subscription again and stores the result.
// It reports changed=false for any other kind of profile. A failed refresh
// keeps the stored profile.
func (s *Store) Refresh(ctx context.Context) (profile *models.Profile, changed bool, err error) {
	current, err := s.storage.GetProfile(ctx)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, pkgerrors.ErrNoConfig
	}
	if current.ConfigType != models.ConfigTypeSubscription || !subscription.IsRemote(current.SourceURL) {
		return current, false, nil
	}

	res, err := s.subs.Resolve(ctx, current.SourceURL)
	if err != nil {
		s.logger.Warn("subscription refresh failed, keeping stored config", zap.Error(err))
		return current, false, err
	}

	next := res.Profile
	now := s.clock.Now().UTC()
	next.ImportedAt = now
	next.LastValidatedAt = &now
	next.IsValid = true

	changed = !sameEndpoint(current, next)
	if err := s.storage.SaveProfile(ctx, next); err != nil {
		return current, false, fmt.Errorf("failed to store refreshed config: %w", err)
	}
	if changed {
		s.logger.Info("subscription refreshed with a new server",
			zap.String("address", next.Address), zap.Int("port", next.Port))
	}
	return next, changed, nil
}

// Reset deletes the stored profile. It fails with ErrConfigInUse when inUse
// reports that a connection depends on it.
func (s *Store) Reset(ctx context.Context, inUse func() bool) error {
	if inUse != nil && inUse() {
		return pkgerrors.ErrConfigInUse
	}
	if err := s.storage.DeleteProfile(ctx); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	s.logger.Info("config reset")
	return nil
}

func sameEndpoint(a, b *models.Profile) bool {
	return a.UUID == b.UUID && a.Address == b.Address && a.Port == b.Port &&
		a.Security == b.Security && a.Network == b.Network && a.Flow == b.Flow
}
