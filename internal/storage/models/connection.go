package models

import (
	"net"
	"strconv"
	"time"
)

// ActiveConnection records the running proxy so a restarted backend can
// find and reap a process it no longer supervises.
type ActiveConnection struct {
	ID        int64     `json:"id"` // Always 1 (singleton)
	PID       int       `json:"pid"`
	CoreType  string    `json:"core_type"` // xray
	VPNMode   string    `json:"vpn_mode"`  // tun, proxy
	StartedAt time.Time `json:"started_at"`
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
