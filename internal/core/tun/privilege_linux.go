package tun

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const tunDevicePath = "/dev/net/tun"

// PrivilegeResult is the outcome of a privilege probe.
type PrivilegeResult struct {
	HasPrivileges bool
	Root          bool
	CapNetAdmin   bool
	TunDevice     bool
	Reason        string
	CheckedAt     time.Time
}

// ProbePrivileges checks, without side effects, whether this process could
// create a TUN device and edit routes. Missing privileges are reported in
// the result, never as an error.
func ProbePrivileges() PrivilegeResult {
	r := PrivilegeResult{
		Root:        os.Geteuid() == 0,
		CapNetAdmin: hasCapNetAdmin(),
		CheckedAt:   time.Now(),
	}
	if _, err := os.Stat(tunDevicePath); err == nil {
		r.TunDevice = true
	}

	switch {
	case !r.Root && !r.CapNetAdmin:
		r.Reason = "root or CAP_NET_ADMIN required"
	case !r.TunDevice:
		r.Reason = tunDevicePath + " not available"
	default:
		r.HasPrivileges = true
	}
	return r
}

func hasCapNetAdmin() bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false
	}
	return data[0].Effective&(1<<unix.CAP_NET_ADMIN) != 0
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
