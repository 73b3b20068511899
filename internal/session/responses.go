package session

import (
	"xraydeck/internal/config/parser"
	"xraydeck/internal/storage/models"
	pkgerrors "xraydeck/pkg/errors"
)

// Connection status values.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusBlocked      = "blocked"
)

// ConfigView is the profile as the UI sees it. Timestamps are Unix seconds.
type ConfigView struct {
	SourceURL       string                  `json:"sourceUrl"`
	ConfigType      string                  `json:"configType"`
	UUID            string                  `json:"uuid"`
	Address         string                  `json:"address"`
	Port            int                     `json:"port"`
	Flow            string                  `json:"flow,omitempty"`
	Encryption      string                  `json:"encryption,omitempty"`
	Network         string                  `json:"network,omitempty"`
	Security        string                  `json:"security,omitempty"`
	Reality         *models.RealityConfig   `json:"reality,omitempty"`
	Transport       *models.TransportConfig `json:"transport,omitempty"`
	Name            string                  `json:"name,omitempty"`
	ImportedAt      int64                   `json:"importedAt"`
	LastValidatedAt *int64                  `json:"lastValidatedAt,omitempty"`
	IsValid         bool                    `json:"isValid"`
	ValidationError string                  `json:"validationError,omitempty"`
	// Link is the canonical vless:// link of the selected server.
	Link            string                  `json:"link,omitempty"`
}

func viewOf(p *models.Profile) *ConfigView {
	if p == nil {
		return nil
	}
	v := &ConfigView{
		SourceURL:       p.SourceURL,
		ConfigType:      p.ConfigType,
		UUID:            p.UUID,
		Address:         p.Address,
		Port:            p.Port,
		Flow:            p.Flow,
		Encryption:      p.Encryption,
		Network:         p.Network,
		Security:        p.Security,
		Reality:         p.Reality,
		Transport:       p.Transport,
		Name:            p.Name,
		ImportedAt:      p.ImportedAt.Unix(),
		IsValid:         p.IsValid,
		ValidationError: p.ValidationError,
	}
	if p.LastValidatedAt != nil {
		ts := p.LastValidatedAt.Unix()
		v.LastValidatedAt = &ts
	}
	if link, err := parser.Encode(p); err == nil {
		v.Link = link
	}
	return v
}

// Failure is embedded in responses that can carry an error.
type Failure struct {
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func failure(err error) Failure {
	if err == nil {
		return Failure{}
	}
	return Failure{Error: pkgerrors.Message(err), ErrorCode: pkgerrors.Code(err)}
}

type ImportResult struct {
	Success bool        `json:"success"`
	Config  *ConfigView `json:"config,omitempty"`
	Failure
}

type ConfigResult struct {
	Exists bool        `json:"exists"`
	Config *ConfigView `json:"config,omitempty"`
}

type ValidateResult struct {
	IsValid bool `json:"isValid"`
	Failure
}

type ResetResult struct {
	Success bool `json:"success"`
	Failure
}

type RefreshResult struct {
	Success bool        `json:"success"`
	Changed bool        `json:"changed"`
	Config  *ConfigView `json:"config,omitempty"`
	Failure
}

type ToggleConnectionResult struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	ProcessID int    `json:"processId,omitempty"`
	Failure
}

// ConnectionStatus is the derived connection state.
type ConnectionStatus struct {
	Status       string `json:"status"`
	ConnectedAt  *int64 `json:"connectedAt,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ProcessID    int    `json:"processId,omitempty"`
	Uptime       *int64 `json:"uptime,omitempty"`
}

type ToggleTunResult struct {
	Success       bool `json:"success"`
	Enabled       bool `json:"enabled"`
	HasPrivileges bool `json:"hasPrivileges"`
	Failure
}

type PrivilegesResult struct {
	HasPrivileges bool   `json:"hasPrivileges"`
	Error         string `json:"error,omitempty"`
}

type TunStatus struct {
	Enabled       bool   `json:"enabled"`
	HasPrivileges bool   `json:"hasPrivileges"`
	TunInterface  string `json:"tunInterface,omitempty"`
	IsActive      bool   `json:"isActive"`
}

type ToggleKillSwitchResult struct {
	Success bool `json:"success"`
	Enabled bool `json:"enabled"`
	Failure
}

type KillSwitchStatus struct {
	Enabled     bool   `json:"enabled"`
	IsActive    bool   `json:"isActive"`
	ActivatedAt *int64 `json:"activatedAt,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

type DeactivateResult struct {
	Success bool `json:"success"`
	Failure
}

type ToggleProxyResult struct {
	Success bool `json:"success"`
	Enabled bool `json:"enabled"`
	Failure
}

type SystemProxyStatus struct {
	Enabled   bool `json:"enabled"`
	SOCKSPort int  `json:"socksPort"`
	HTTPPort  int  `json:"httpPort"`
}

type LatencyResult struct {
	Success   bool   `json:"success"`
	LatencyMS *int   `json:"latencyMs,omitempty"`
	Strategy  string `json:"strategy"`
	Failure
}

type TrafficStats struct {
	UploadSpeed   uint64 `json:"uploadSpeed"`
	DownloadSpeed uint64 `json:"downloadSpeed"`
	TotalUpload   uint64 `json:"totalUpload"`
	TotalDownload uint64 `json:"totalDownload"`
	Failure
}
