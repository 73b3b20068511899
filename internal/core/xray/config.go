package xray

import (
	"fmt"

	"xraydeck/internal/core/types"
	"xraydeck/internal/storage/models"
)

// Inbound and outbound tags referenced by the routing rules.
const (
	TagSOCKS  = "socks"
	TagHTTP   = "http"
	TagAPI    = "api"
	TagAPIIn  = "api-in"
	TagProxy  = "proxy"
	TagDirect = "direct"
	TagBlock  = "block"
)

// privateCIDRs bypass the proxy. Listed explicitly so the generated config
// does not depend on geoip.dat being installed next to the binary.
var privateCIDRs = []string{
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Config represents the root Xray configuration
type Config struct {
	Log       *LogConfig       `json:"log,omitempty"`
	Stats     *StatsConfig     `json:"stats,omitempty"`
	API       *APIConfig       `json:"api,omitempty"`
	Policy    *PolicyConfig    `json:"policy,omitempty"`
	Inbounds  []InboundConfig  `json:"inbounds"`
	Outbounds []OutboundConfig `json:"outbounds"`
	Routing   *RoutingConfig   `json:"routing,omitempty"`
}

// StatsConfig enables xray statistics
type StatsConfig struct{}

// APIConfig configures xray gRPC API
type APIConfig struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

// PolicyConfig sets system-level policies
type PolicyConfig struct {
	System *SystemPolicy `json:"system,omitempty"`
}

// SystemPolicy controls system-level stats collection
type SystemPolicy struct {
	StatsInboundUplink    bool `json:"statsInboundUplink"`
	StatsInboundDownlink  bool `json:"statsInboundDownlink"`
	StatsOutboundUplink   bool `json:"statsOutboundUplink"`
	StatsOutboundDownlink bool `json:"statsOutboundDownlink"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	LogLevel string `json:"loglevel"`
	Access   string `json:"access,omitempty"`
	Error    string `json:"error,omitempty"`
}

// InboundConfig represents an inbound configuration
type InboundConfig struct {
	Tag      string                 `json:"tag"`
	Port     int                    `json:"port"`
	Listen   string                 `json:"listen,omitempty"`
	Protocol string                 `json:"protocol"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	Sniffing *SniffingConfig        `json:"sniffing,omitempty"`
}

// SniffingConfig represents traffic sniffing configuration
type SniffingConfig struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
	RouteOnly    bool     `json:"routeOnly,omitempty"`
}

// OutboundConfig represents an outbound configuration
type OutboundConfig struct {
	Tag            string                 `json:"tag"`
	Protocol       string                 `json:"protocol"`
	Settings       map[string]interface{} `json:"settings,omitempty"`
	StreamSettings *StreamSettings        `json:"streamSettings,omitempty"`
}

// StreamSettings represents stream settings (transport + TLS)
type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security,omitempty"`
	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	WSSettings      *WSSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *GRPCSettings    `json:"grpcSettings,omitempty"`
	Sockopt         *Sockopt         `json:"sockopt,omitempty"`
}

// TLSSettings represents TLS settings
type TLSSettings struct {
	ServerName  string   `json:"serverName,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// RealitySettings represents client-side Reality settings
type RealitySettings struct {
	ServerName  string `json:"serverName"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
	ShortID     string `json:"shortId"`
	SpiderX     string `json:"spiderX,omitempty"`
}

// Sockopt holds socket options for the proxy outbound.
type Sockopt struct {
	Interface string `json:"interface,omitempty"`
}

// WSSettings represents WebSocket settings
type WSSettings struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GRPCSettings represents gRPC settings
type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

// RoutingConfig represents routing configuration
type RoutingConfig struct {
	DomainStrategy string        `json:"domainStrategy,omitempty"`
	Rules          []RoutingRule `json:"rules,omitempty"`
}

// RoutingRule represents a routing rule
type RoutingRule struct {
	Type        string   `json:"type"`
	IP          []string `json:"ip,omitempty"`
	Network     string   `json:"network,omitempty"`
	OutboundTag string   `json:"outboundTag"`
	InboundTag  []string `json:"inboundTag,omitempty"`
}

// GenerateConfig builds the Xray JSON config for cfg.
func GenerateConfig(cfg *types.CoreConfig) (*Config, error) {
	if cfg == nil || cfg.Profile == nil {
		return nil, fmt.Errorf("no profile to generate config from")
	}
	if cfg.SOCKSPort <= 0 || cfg.HTTPPort <= 0 {
		return nil, fmt.Errorf("socks and http ports are required")
	}

	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}

	xc := &Config{
		Log: &LogConfig{LogLevel: logLevel},
	}

	sniffing := &SniffingConfig{
		Enabled:      true,
		DestOverride: []string{"http", "tls"},
		RouteOnly:    true,
	}
	xc.Inbounds = append(xc.Inbounds,
		InboundConfig{
			Tag:      TagSOCKS,
			Port:     cfg.SOCKSPort,
			Listen:   "127.0.0.1",
			Protocol: "socks",
			Settings: map[string]interface{}{
				"auth": "noauth",
				"udp":  true,
			},
			Sniffing: sniffing,
		},
		InboundConfig{
			Tag:      TagHTTP,
			Port:     cfg.HTTPPort,
			Listen:   "127.0.0.1",
			Protocol: "http",
			Sniffing: sniffing,
		},
	)

	routing := &RoutingConfig{DomainStrategy: "AsIs"}

	if cfg.StatsPort > 0 {
		xc.Stats = &StatsConfig{}
		xc.API = &APIConfig{Tag: TagAPI, Services: []string{"StatsService"}}
		xc.Policy = &PolicyConfig{System: &SystemPolicy{
			StatsInboundUplink:    true,
			StatsInboundDownlink:  true,
			StatsOutboundUplink:   true,
			StatsOutboundDownlink: true,
		}}
		xc.Inbounds = append(xc.Inbounds, InboundConfig{
			Tag:      TagAPIIn,
			Port:     cfg.StatsPort,
			Listen:   "127.0.0.1",
			Protocol: "dokodemo-door",
			Settings: map[string]interface{}{"address": "127.0.0.1"},
		})
		routing.Rules = append(routing.Rules, RoutingRule{
			Type:        "field",
			InboundTag:  []string{TagAPIIn},
			OutboundTag: TagAPI,
		})
	}

	proxy := generateOutbound(cfg.Profile)
	if cfg.VPNMode == types.VPNModeTunnel && cfg.OutboundInterface != "" {
		proxy.StreamSettings.Sockopt = &Sockopt{Interface: cfg.OutboundInterface}
	}

	xc.Outbounds = append(xc.Outbounds,
		*proxy,
		OutboundConfig{
			Tag:      TagDirect,
			Protocol: "freedom",
			Settings: map[string]interface{}{"domainStrategy": "UseIP"},
		},
		OutboundConfig{
			Tag:      TagBlock,
			Protocol: "blackhole",
		},
	)

	routing.Rules = append(routing.Rules,
		RoutingRule{
			Type:        "field",
			IP:          privateCIDRs,
			OutboundTag: TagDirect,
		},
		RoutingRule{
			Type:        "field",
			InboundTag:  []string{TagSOCKS, TagHTTP},
			OutboundTag: TagProxy,
		},
	)
	xc.Routing = routing

	return xc, nil
}

// generateOutbound generates the VLESS outbound for a profile
func generateOutbound(p *models.Profile) *OutboundConfig {
	encryption := p.Encryption
	if encryption == "" {
		encryption = "none"
	}
	user := map[string]interface{}{
		"id":         p.UUID,
		"encryption": encryption,
	}
	if p.Flow != "" {
		user["flow"] = p.Flow
	}

	return &OutboundConfig{
		Tag:      TagProxy,
		Protocol: "vless",
		Settings: map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": p.Address,
					"port":    p.Port,
					"users":   []map[string]interface{}{user},
				},
			},
		},
		StreamSettings: generateStreamSettings(p),
	}
}

func generateStreamSettings(p *models.Profile) *StreamSettings {
	network := p.Network
	if network == "" {
		network = "tcp"
	}
	security := p.Security
	if security == "" {
		security = "none"
	}

	ss := &StreamSettings{
		Network:  network,
		Security: security,
	}
	t := p.Transport
	if t == nil {
		t = &models.TransportConfig{}
	}

	switch security {
	case "reality":
		r := p.Reality
		if r == nil {
			r = &models.RealityConfig{}
		}
		ss.RealitySettings = &RealitySettings{
			ServerName:  orDefault(r.ServerName, p.Address),
			Fingerprint: orDefault(r.Fingerprint, "chrome"),
			PublicKey:   r.PublicKey,
			ShortID:     r.ShortID,
			SpiderX:     r.SpiderX,
		}
	case "tls":
		ss.TLSSettings = &TLSSettings{
			ServerName:  orDefault(t.SNI, orDefault(t.Host, p.Address)),
			ALPN:        t.ALPN,
			Fingerprint: orDefault(t.Fingerprint, "chrome"),
		}
	}

	switch network {
	case "ws":
		ss.WSSettings = &WSSettings{Path: orDefault(t.Path, "/")}
		if t.Host != "" {
			ss.WSSettings.Headers = map[string]string{"Host": t.Host}
		}
	case "grpc":
		ss.GRPCSettings = &GRPCSettings{ServiceName: t.ServiceName}
	}

	return ss
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
