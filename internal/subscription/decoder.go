package subscription

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	pkgerrors "xraydeck/pkg/errors"
)

// Decoder handles decoding subscription content
type Decoder struct{}

// NewDecoder creates a new subscription decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode turns subscription content into candidate links, in order.
//
// Accepted shapes, after an optional base64 layer:
//   - a JSON array of strings
//   - newline separated links
//
// Entries are not validated here; the caller parses each one.
func (d *Decoder) Decode(content []byte) ([]string, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return nil, pkgerrors.ErrSubscriptionEmpty
	}

	decoded, err := d.decodeBase64(content)
	if err != nil {
		// Not base64; remote subscriptions are often served as plain text.
		decoded = string(content)
	}
	decoded = strings.TrimSpace(decoded)

	var entries []string
	if strings.HasPrefix(decoded, "[") {
		entries, err = decodeJSONArray(decoded)
		if err != nil {
			return nil, err
		}
	} else {
		entries = strings.Split(decoded, "\n")
	}

	links := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e != "" {
			links = append(links, e)
		}
	}

	if len(links) == 0 {
		return nil, pkgerrors.ErrSubscriptionEmpty
	}
	return links, nil
}

// DecodeInline decodes a subscription pasted directly by the user. Unlike
// Decode it requires the base64 layer so arbitrary garbage is reported as a
// format error rather than as an empty subscription.
func (d *Decoder) DecodeInline(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	decoded, err := d.decodeBase64([]byte(raw))
	if err != nil {
		return nil, &pkgerrors.ValidationError{
			Input:  raw,
			Reason: "expected vless://uuid@host:port?params#name or base64 subscription",
			Err:    pkgerrors.ErrInvalidFormat,
		}
	}
	decoded = strings.TrimSpace(decoded)
	if !strings.HasPrefix(decoded, "[") {
		return nil, &pkgerrors.ValidationError{
			Input:  raw,
			Reason: "subscription must be a base64 encoded JSON array",
			Err:    pkgerrors.ErrInvalidFormat,
		}
	}
	return d.Decode([]byte(decoded))
}

func decodeJSONArray(s string) ([]string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, &pkgerrors.ValidationError{
			Input:  s,
			Reason: fmt.Sprintf("malformed JSON array: %v", err),
			Err:    pkgerrors.ErrInvalidFormat,
		}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var link string
		// Non-string elements are skipped, matching how invalid links are treated.
		if err := json.Unmarshal(item, &link); err == nil {
			out = append(out, link)
		}
	}
	return out, nil
}

// decodeBase64 attempts to decode base64 content
func (d *Decoder) decodeBase64(content []byte) (string, error) {
	contentStr := strings.Join(strings.Fields(string(content)), "")

	// Try different base64 encodings
	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}

	for _, enc := range decoders {
		if decoded, err := enc.DecodeString(contentStr); err == nil {
			return string(decoded), nil
		}
	}

	return "", fmt.Errorf("failed to decode base64")
}

// ExtractMetadata extracts metadata from subscription headers
func (d *Decoder) ExtractMetadata(headers map[string][]string) *Metadata {
	metadata := &Metadata{}

	if val := headers["Subscription-Userinfo"]; len(val) > 0 {
		metadata.UserInfo = val[0]
	}

	if val := headers["Profile-Update-Interval"]; len(val) > 0 {
		metadata.UpdateInterval = val[0]
	}

	if val := headers["Profile-Title"]; len(val) > 0 {
		metadata.Title = decodeTitle(val[0])
	}

	return metadata
}

// Profile-Title is sometimes sent as "base64:<payload>".
func decodeTitle(v string) string {
	if rest, ok := strings.CutPrefix(v, "base64:"); ok {
		if b, err := base64.StdEncoding.DecodeString(rest); err == nil {
			return string(b)
		}
	}
	return v
}

// Metadata represents metadata from a subscription response
type Metadata struct {
	UserInfo       string // User info (traffic, expiry, etc.)
	UpdateInterval string // Recommended update interval in hours
	Title          string // Profile title
}
