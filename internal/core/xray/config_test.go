package xray

import (
	"encoding/json"
	"testing"

	"xraydeck/internal/core/types"
	"xraydeck/internal/storage/models"
)

func realityProfile() *models.Profile {
	return &models.Profile{
		UUID:     "123e4567-e89b-12d3-a456-426614174000",
		Address:  "example.com",
		Port:     443,
		Flow:     "xtls-rprx-vision",
		Security: "reality",
		Reality:  &models.RealityConfig{PublicKey: "pbk", ShortID: "ab"},
		IsValid:  true,
	}
}

func TestGenerateConfigReality(t *testing.T) {
	xc, err := GenerateConfig(&types.CoreConfig{
		Profile:   realityProfile(),
		VPNMode:   types.VPNModeProxy,
		SOCKSPort: 10808,
		HTTPPort:  10809,
	})
	if err != nil {
		t.Fatalf("GenerateConfig() error: %v", err)
	}

	if xc.Log.LogLevel != "warning" {
		t.Errorf("loglevel = %q", xc.Log.LogLevel)
	}
	if len(xc.Inbounds) != 2 || xc.Inbounds[0].Port != 10808 || xc.Inbounds[1].Port != 10809 {
		t.Fatalf("inbounds = %+v", xc.Inbounds)
	}
	if xc.Inbounds[0].Settings["udp"] != true {
		t.Error("socks inbound must enable udp")
	}

	proxy := xc.Outbounds[0]
	if proxy.Tag != TagProxy || proxy.Protocol != "vless" {
		t.Fatalf("first outbound = %+v", proxy)
	}
	rs := proxy.StreamSettings.RealitySettings
	if rs == nil {
		t.Fatal("missing realitySettings")
	}
	if rs.ServerName != "example.com" || rs.Fingerprint != "chrome" || rs.PublicKey != "pbk" {
		t.Errorf("realitySettings = %+v", rs)
	}
	if proxy.StreamSettings.Sockopt != nil {
		t.Error("proxy mode must not bind an interface")
	}
	if xc.Stats != nil || xc.API != nil {
		t.Error("stats API enabled without a port")
	}

	data, err := json.Marshal(proxy.Settings)
	if err != nil {
		t.Fatal(err)
	}
	var settings struct {
		Vnext []struct {
			Users []map[string]string `json:"users"`
		} `json:"vnext"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatal(err)
	}
	user := settings.Vnext[0].Users[0]
	if user["encryption"] != "none" || user["flow"] != "xtls-rprx-vision" {
		t.Errorf("user = %v", user)
	}
}

func TestGenerateConfigTransports(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(p *models.Profile)
		check func(t *testing.T, ss *StreamSettings)
	}{
		{
			name: "ws defaults path",
			mod: func(p *models.Profile) {
				p.Security, p.Reality, p.Network = "none", nil, "ws"
			},
			check: func(t *testing.T, ss *StreamSettings) {
				if ss.WSSettings == nil || ss.WSSettings.Path != "/" {
					t.Errorf("wsSettings = %+v", ss.WSSettings)
				}
			},
		},
		{
			name: "ws with host header over tls",
			mod: func(p *models.Profile) {
				p.Security, p.Reality, p.Network = "tls", nil, "ws"
				p.Transport = &models.TransportConfig{Path: "/ray", Host: "cdn.example.com"}
			},
			check: func(t *testing.T, ss *StreamSettings) {
				if ss.WSSettings.Path != "/ray" || ss.WSSettings.Headers["Host"] != "cdn.example.com" {
					t.Errorf("wsSettings = %+v", ss.WSSettings)
				}
				if ss.TLSSettings == nil || ss.TLSSettings.ServerName != "cdn.example.com" {
					t.Errorf("tlsSettings = %+v", ss.TLSSettings)
				}
			},
		},
		{
			name: "grpc service name",
			mod: func(p *models.Profile) {
				p.Network = "grpc"
				p.Transport = &models.TransportConfig{ServiceName: "svc"}
			},
			check: func(t *testing.T, ss *StreamSettings) {
				if ss.GRPCSettings == nil || ss.GRPCSettings.ServiceName != "svc" {
					t.Errorf("grpcSettings = %+v", ss.GRPCSettings)
				}
			},
		},
		{
			name: "plain tcp",
			mod: func(p *models.Profile) {
				p.Security, p.Reality, p.Flow = "", nil, ""
			},
			check: func(t *testing.T, ss *StreamSettings) {
				if ss.Network != "tcp" || ss.Security != "none" || ss.RealitySettings != nil || ss.TLSSettings != nil {
					t.Errorf("streamSettings = %+v", ss)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := realityProfile()
			tt.mod(p)
			xc, err := GenerateConfig(&types.CoreConfig{Profile: p, SOCKSPort: 1, HTTPPort: 2})
			if err != nil {
				t.Fatalf("GenerateConfig() error: %v", err)
			}
			tt.check(t, xc.Outbounds[0].StreamSettings)
		})
	}
}

func TestGenerateConfigTunnelMode(t *testing.T) {
	xc, err := GenerateConfig(&types.CoreConfig{
		Profile:           realityProfile(),
		VPNMode:           types.VPNModeTunnel,
		SOCKSPort:         10808,
		HTTPPort:          10809,
		StatsPort:         10085,
		OutboundInterface: "wlan0",
	})
	if err != nil {
		t.Fatal(err)
	}

	so := xc.Outbounds[0].StreamSettings.Sockopt
	if so == nil || so.Interface != "wlan0" {
		t.Errorf("sockopt = %+v", so)
	}
	if xc.Outbounds[1].Tag != TagDirect || xc.Outbounds[1].Protocol != "freedom" {
		t.Errorf("second outbound = %+v", xc.Outbounds[1])
	}
	if xc.API == nil || len(xc.Inbounds) != 3 {
		t.Errorf("stats api not configured: api=%v inbounds=%d", xc.API, len(xc.Inbounds))
	}

	var privateRule bool
	for _, r := range xc.Routing.Rules {
		if r.OutboundTag == TagDirect && len(r.IP) > 0 {
			privateRule = true
		}
	}
	if !privateRule {
		t.Error("missing private address bypass rule")
	}
}

func TestGenerateConfigErrors(t *testing.T) {
	if _, err := GenerateConfig(nil); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := GenerateConfig(&types.CoreConfig{Profile: realityProfile()}); err == nil {
		t.Error("missing ports accepted")
	}
}
