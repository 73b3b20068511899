package parser

import (
	"strings"

	"xraydeck/internal/storage/models"
	pkgerrors "xraydeck/pkg/errors"
)

// Parser defines the interface for link parsers
type Parser interface {
	// Parse parses a link into a Profile
	Parse(link string) (*models.Profile, error)

	// Encode encodes a Profile back into a link
	Encode(profile *models.Profile) (string, error)

	// Scheme returns the link scheme this parser handles
	Scheme() string

	// Validate validates the profile structure
	Validate(profile *models.Profile) error
}

var defaultParser Parser = &VLESSParser{}

// IsLink reports whether s starts with the vless:// scheme.
func IsLink(s string) bool {
	s = strings.TrimSpace(s)
	prefix := defaultParser.Scheme() + "://"
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Parse parses a single vless:// link.
func Parse(link string) (*models.Profile, error) {
	return defaultParser.Parse(link)
}

// Encode renders p as a vless:// link.
func Encode(p *models.Profile) (string, error) {
	return defaultParser.Encode(p)
}

// Validate checks a stored profile without reparsing its source.
func Validate(p *models.Profile) error {
	return defaultParser.Validate(p)
}

func invalid(err error, link, reason string) error {
	return &pkgerrors.ValidationError{Input: link, Reason: reason, Err: err}
}
