package models

import "time"

// Config types
const (
	ConfigTypeSingle       = "single"
	ConfigTypeSubscription = "subscription"
)

// Profile is the single stored VLESS proxy configuration.
type Profile struct {
	SourceURL  string `json:"sourceUrl"`
	ConfigType string `json:"configType"` // single, subscription

	// Connection details
	UUID    string `json:"uuid"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	Flow       string `json:"flow,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	Network    string `json:"network,omitempty"`  // tcp, ws, grpc
	Security   string `json:"security,omitempty"` // none, tls, reality

	Reality   *RealityConfig   `json:"reality,omitempty"`
	Transport *TransportConfig `json:"transport,omitempty"`

	Name string `json:"name,omitempty"`

	ImportedAt      time.Time  `json:"importedAt"`
	LastValidatedAt *time.Time `json:"lastValidatedAt,omitempty"`
	IsValid         bool       `json:"isValid"`
	ValidationError string     `json:"validationError,omitempty"`
}

// RealityConfig holds the client-side Reality parameters.
type RealityConfig struct {
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

// TransportConfig holds the optional ws/grpc/tls knobs carried in the link.
type TransportConfig struct {
	Path        string   `json:"path,omitempty"`
	Host        string   `json:"host,omitempty"`
	ServiceName string   `json:"serviceName,omitempty"`
	SNI         string   `json:"sni,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`
}

// Endpoint returns address:port suitable for net.Dial.
func (p *Profile) Endpoint() string {
	return joinHostPort(p.Address, p.Port)
}
