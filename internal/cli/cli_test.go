package cli

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"xraydeck/internal/rpc"
	"xraydeck/internal/session"
)

// stubController answers the calls the client commands make. Methods not
// overridden panic, which the server turns into a 500.
type stubController struct {
	rpc.Controller
	enabled []bool
}

func (s *stubController) ToggleConnection(ctx context.Context, enable bool) session.ToggleConnectionResult {
	s.enabled = append(s.enabled, enable)
	if enable {
		return session.ToggleConnectionResult{Success: true, Status: session.StatusConnected, ProcessID: 4242}
	}
	return session.ToggleConnectionResult{Success: true, Status: session.StatusDisconnected}
}

func (s *stubController) Status() session.ConnectionStatus {
	return session.ConnectionStatus{Status: session.StatusBlocked, ErrorMessage: "proxy exited", ErrorCode: "CONNECTION_FAILED"}
}

func (s *stubController) TunStatus(context.Context) session.TunStatus {
	return session.TunStatus{Enabled: true, HasPrivileges: true}
}

func (s *stubController) KillSwitchStatus() session.KillSwitchStatus {
	return session.KillSwitchStatus{Enabled: true, IsActive: true}
}

func (s *stubController) SystemProxyStatus() session.SystemProxyStatus {
	return session.SystemProxyStatus{}
}

func (s *stubController) ResetConfig(context.Context) session.ResetResult {
	return session.ResetResult{Failure: session.Failure{Error: "Disconnect before removing the configuration.", ErrorCode: "CONNECTION_ACTIVE"}}
}

func runCLI(t *testing.T, ctl rpc.Controller, args ...string) error {
	t.Helper()
	d := rpc.NewDispatcher(ctl, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(rpc.NewServer(d, session.NewBroadcaster(), rpc.ServerOptions{}, zaptest.NewLogger(t)).Router())
	defer srv.Close()

	rootCmd.SetArgs(append(args, "--api", srv.URL, "--config", t.TempDir()+"/config.yaml"))
	return rootCmd.Execute()
}

func TestClientCommands(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "connect", args: []string{"connect"}},
		{name: "disconnect", args: []string{"disconnect"}},
		{name: "status", args: []string{"status"}},
		{name: "reset refused", args: []string{"config", "reset"}, wantErr: "CONNECTION_ACTIVE"},
		{name: "raw call", args: []string{"call", "get_connection_status"}},
		{name: "raw call bad json", args: []string{"call", "toggle_connection", "{"}, wantErr: "not valid JSON"},
		{name: "bad tun arg", args: []string{"tun", "maybe"}, wantErr: "invalid argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &stubController{}
			err := runCLI(t, ctl, tt.args...)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("%v: %v", tt.args, err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("%v: error = %v, want %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestConnectSendsFlag(t *testing.T) {
	ctl := &stubController{}
	if err := runCLI(t, ctl, "connect"); err != nil {
		t.Fatal(err)
	}
	if err := runCLI(t, ctl, "disconnect"); err != nil {
		t.Fatal(err)
	}
	if len(ctl.enabled) != 2 || !ctl.enabled[0] || ctl.enabled[1] {
		t.Errorf("toggle_connection calls = %v", ctl.enabled)
	}
}

func TestUnreachableBackend(t *testing.T) {
	rootCmd.SetArgs([]string{"status", "--api", "127.0.0.1:1", "--config", t.TempDir() + "/config.yaml"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "xraydeck serve") {
		t.Errorf("error = %v", err)
	}
}

func TestBytesText(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := bytesText(tt.in); got != tt.want {
			t.Errorf("bytesText(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
