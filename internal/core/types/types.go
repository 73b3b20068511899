package types

import (
	"time"

	"xraydeck/internal/storage/models"
)

// CoreConfig represents configuration for starting a core
type CoreConfig struct {
	Profile   *models.Profile
	VPNMode   VPNMode
	SOCKSPort int
	HTTPPort  int
	StatsPort int // 0 disables the stats API inbound
	LogLevel  string

	// OutboundInterface binds the proxy outbound to the physical NIC so
	// traffic to the server does not loop back into the TUN device.
	OutboundInterface string
}

// VPNMode represents the VPN operation mode
type VPNMode string

const (
	VPNModeTunnel VPNMode = "tun"   // System-wide capture through a TUN device
	VPNModeProxy  VPNMode = "proxy" // Local SOCKS/HTTP inbounds only
)

// State is the supervisor state machine position.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// ProcessHandle identifies a started proxy process.
type ProcessHandle struct {
	PID       int
	StartedAt time.Time
}

// Status represents core runtime status
type Status struct {
	State     State
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	LastError error
	CoreType  string
}

// Running reports whether the proxy is up.
func (s Status) Running() bool { return s.State == StateRunning }

// ExitEvent describes a proxy process that died without being asked to.
type ExitEvent struct {
	PID int
	Err error
	At  time.Time
}

// Stats represents real-time statistics
type Stats struct {
	UploadSpeed   uint64 // bytes per second
	DownloadSpeed uint64 // bytes per second
	TotalUpload   uint64 // total bytes
	TotalDownload uint64 // total bytes
}

// CoreType represents the type of proxy core
type CoreType string

const (
	CoreTypeXray CoreType = "xray"
)
