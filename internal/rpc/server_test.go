package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"xraydeck/internal/session"
)

type fakeController struct {
	imported string
	toggled  []bool
}

func (f *fakeController) ImportConfig(ctx context.Context, raw string) session.ImportResult {
	f.imported = raw
	return session.ImportResult{Success: true, Config: &session.ConfigView{Address: "example.com", Port: 443}}
}
func (f *fakeController) GetConfig(context.Context) session.ConfigResult { return session.ConfigResult{} }
func (f *fakeController) ValidateConfig(context.Context) session.ValidateResult {
	return session.ValidateResult{IsValid: true}
}
func (f *fakeController) ResetConfig(context.Context) session.ResetResult {
	return session.ResetResult{Failure: session.Failure{Error: "busy", ErrorCode: "BUSY"}}
}
func (f *fakeController) RefreshSubscription(context.Context) session.RefreshResult {
	return session.RefreshResult{Success: true}
}
func (f *fakeController) ToggleConnection(ctx context.Context, enable bool) session.ToggleConnectionResult {
	f.toggled = append(f.toggled, enable)
	return session.ToggleConnectionResult{Success: true, Status: session.StatusConnected, ProcessID: 42}
}
func (f *fakeController) Status() session.ConnectionStatus {
	return session.ConnectionStatus{Status: session.StatusDisconnected}
}
func (f *fakeController) ToggleTunMode(ctx context.Context, enabled bool) session.ToggleTunResult {
	return session.ToggleTunResult{Success: true, Enabled: enabled, HasPrivileges: true}
}
func (f *fakeController) CheckTunPrivileges(context.Context) session.PrivilegesResult {
	return session.PrivilegesResult{HasPrivileges: true}
}
func (f *fakeController) TunStatus(context.Context) session.TunStatus { return session.TunStatus{} }
func (f *fakeController) ToggleKillSwitch(ctx context.Context, enabled bool) session.ToggleKillSwitchResult {
	return session.ToggleKillSwitchResult{Success: true, Enabled: enabled}
}
func (f *fakeController) KillSwitchStatus() session.KillSwitchStatus { return session.KillSwitchStatus{} }
func (f *fakeController) DeactivateKillSwitch(context.Context) session.DeactivateResult {
	return session.DeactivateResult{Success: true}
}
func (f *fakeController) ToggleSystemProxy(ctx context.Context, enabled bool) session.ToggleProxyResult {
	return session.ToggleProxyResult{Success: true, Enabled: enabled}
}
func (f *fakeController) SystemProxyStatus() session.SystemProxyStatus {
	return session.SystemProxyStatus{}
}
func (f *fakeController) TestLatency(ctx context.Context, strategy string) session.LatencyResult {
	return session.LatencyResult{Strategy: strategy}
}
func (f *fakeController) TrafficStats(context.Context) session.TrafficStats {
	return session.TrafficStats{}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeController, *session.Broadcaster) {
	t.Helper()
	ctl := &fakeController{}
	events := session.NewBroadcaster()
	d := NewDispatcher(ctl, func() ImportURL {
		return ImportURL{BaseURL: "https://192.168.1.20:8765", Path: "/import"}
	}, zaptest.NewLogger(t))
	srv := httptest.NewServer(NewServer(d, events, ServerOptions{}, zaptest.NewLogger(t)).Router())
	t.Cleanup(srv.Close)
	return srv, ctl, events
}

func TestCalls(t *testing.T) {
	srv, ctl, _ := newTestServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	var imp session.ImportResult
	if err := c.Call(ctx, "import_vless_config", map[string]string{"url": "vless://x"}, &imp); err != nil {
		t.Fatal(err)
	}
	if !imp.Success || imp.Config.Address != "example.com" || ctl.imported != "vless://x" {
		t.Errorf("import = %+v, controller saw %q", imp, ctl.imported)
	}

	var tog session.ToggleConnectionResult
	if err := c.Call(ctx, "toggle_connection", map[string]bool{"enable": true}, &tog); err != nil {
		t.Fatal(err)
	}
	if tog.Status != session.StatusConnected || tog.ProcessID != 42 || len(ctl.toggled) != 1 || !ctl.toggled[0] {
		t.Errorf("toggle = %+v, controller saw %v", tog, ctl.toggled)
	}

	var tunRes session.ToggleTunResult
	if err := c.Call(ctx, "toggle_tun_mode", map[string]bool{"enabled": true}, &tunRes); err != nil || !tunRes.Enabled {
		t.Errorf("toggle_tun_mode = %+v, %v", tunRes, err)
	}

	var u ImportURL
	if err := c.Call(ctx, "get_import_server_url", nil, &u); err != nil || u.Path != "/import" {
		t.Errorf("get_import_server_url = %+v, %v", u, err)
	}

	var reset session.ResetResult
	if err := c.Call(ctx, "reset_vless_config", nil, &reset); err != nil || reset.ErrorCode != "BUSY" {
		t.Errorf("reset = %+v, %v", reset, err)
	}
}

func TestMalformedCalls(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	c := NewClient(srv.URL)

	tests := []struct {
		name   string
		method string
		body   string
		want   string
	}{
		{name: "unknown method", method: "format_disk", body: "{}", want: "unknown method"},
		{name: "missing flag", method: "toggle_connection", body: "{}", want: "missing boolean"},
		{name: "bad json", method: "import_vless_config", body: "{", want: "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CallRaw(ctx, tt.method, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("CallRaw() error = %v, want %q", err, tt.want)
			}
		})
	}

	resp, err := http.Post(srv.URL+"/rpc/reset_vless_config", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain call status = %d", resp.StatusCode)
	}
}

func TestEventsSocket(t *testing.T) {
	srv, _, events := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; retry until it lands.
	got := make(chan Event, 1)
	go func() {
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		events.Notify(session.EventConfigUpdated)
		select {
		case ev := <-got:
			if ev.Event != session.EventConfigUpdated {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEventsRejectForeignOrigin(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("foreign origin accepted")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
