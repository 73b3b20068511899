package session

import (
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"xraydeck/internal/config"
	"xraydeck/internal/core"
	"xraydeck/internal/core/killswitch"
	"xraydeck/internal/core/tun"
	"xraydeck/internal/core/types"
	"xraydeck/internal/storage/sqlite"
	"xraydeck/internal/subscription"
	pkgerrors "xraydeck/pkg/errors"
)

const myNode = "vless://123e4567-e89b-12d3-a456-426614174000@example.com:443?security=reality#MyNode"

type sleepLauncher struct{}

func (sleepLauncher) Launch(ctx context.Context, cfg *types.CoreConfig) (core.Process, error) {
	p, err := core.StartGroup(exec.Command("sleep", "30"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// firewall models the kernel chains so Arm, Disarm and Reconcile behave as
// they would against iptables.
type firewall struct {
	mu     sync.Mutex
	chains map[string][]string // "bin chain" -> rules
	output map[string][]string // bin -> jump targets
	noIP6  bool
}

func newFirewall() *firewall {
	return &firewall{chains: map[string][]string{}, output: map[string][]string{}}
}

func (f *firewall) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "ip6tables" && f.noIP6 {
		return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	if len(args) > 0 && args[0] == "-w" {
		args = args[1:]
	}
	fail := errors.New("exit status 1")
	noChain := []byte(name + ": No chain/target/match by that name.")
	key := name + " " + args[1]
	target := name + " " + args[len(args)-1]
	rules, exists := f.chains[key]

	switch args[0] {
	case "-N":
		f.chains[key] = []string{}
	case "-F", "-X", "-S", "-A", "-E":
		if !exists {
			return noChain, fail
		}
		switch args[0] {
		case "-F":
			f.chains[key] = []string{}
		case "-X":
			delete(f.chains, key)
		case "-A":
			f.chains[key] = append(rules, strings.Join(args[2:], " "))
		case "-S":
			return []byte("-N " + args[1] + "\n-A " + args[1] + " " + strings.Join(rules, "\n-A "+args[1]+" ")), nil
		case "-E":
			delete(f.chains, key)
			f.chains[name+" "+args[2]] = rules
			for i, j := range f.output[name] {
				if j == args[1] {
					f.output[name][i] = args[2]
				}
			}
		}
	case "-C", "-D":
		if _, ok := f.chains[target]; !ok {
			return noChain, fail
		}
		i := slices.Index(f.output[name], args[len(args)-1])
		if i < 0 {
			return []byte("Bad rule"), fail
		}
		if args[0] == "-D" {
			f.output[name] = slices.Delete(f.output[name], i, i+1)
		}
	case "-I":
		f.output[name] = append([]string{args[len(args)-1]}, f.output[name]...)
	}
	return nil, nil
}

func (f *firewall) armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.chains["iptables "+killswitch.Chain]
	return slices.Contains(f.output["iptables"], killswitch.Chain) && len(rules) > 0 && rules[len(rules)-1] == "-j DROP"
}

type fakeRouter struct {
	mu         sync.Mutex
	privileged bool
	attachErr  error
	handle     *tun.Handle
	attached   tun.AttachOptions
	detaches   int
}

func (r *fakeRouter) Attach(ctx context.Context, ao tun.AttachOptions) (*tun.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErr != nil {
		return nil, r.attachErr
	}
	r.attached = ao
	r.handle = &tun.Handle{Interface: tun.DefaultDevice, PID: 4242, AttachedAt: time.Now()}
	return r.handle, nil
}

func (r *fakeRouter) Detach(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = nil
	r.detaches++
	return nil
}

func (r *fakeRouter) Active() (*tun.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle, r.handle != nil
}

func (r *fakeRouter) ProbePrivileges() tun.PrivilegeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.privileged {
		return tun.PrivilegeResult{HasPrivileges: true, Root: true, TunDevice: true}
	}
	return tun.PrivilegeResult{Reason: "root or CAP_NET_ADMIN required"}
}

func (r *fakeRouter) DefaultRoute(ctx context.Context) (tun.DefaultRoute, error) {
	return tun.DefaultRoute{Gateway: "192.168.1.1", Interface: "wlan0"}, nil
}

func (r *fakeRouter) Device() string { return tun.DefaultDevice }

type fakeProxy struct {
	mu     sync.Mutex
	active bool
}

func (p *fakeProxy) Enable(ctx context.Context, socksPort, httpPort int) error {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) Disable(ctx context.Context) error {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) Active() (bool, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return false, 0, 0
	}
	return true, 10808, 10809
}

type staticResolver []netip.Addr

func (r staticResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return r, nil
}

type testEnv struct {
	sess     *Session
	sup      *core.Supervisor
	router   *fakeRouter
	firewall *firewall
	proxy    *fakeProxy
	db       *sqlite.DB
}

func newTestEnv(t *testing.T, probe core.HealthProbe) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := sqlite.New(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if probe == nil {
		probe = func(context.Context, *types.CoreConfig) error { return nil }
	}
	sup := core.NewSupervisor(sleepLauncher{}, core.Options{
		HealthTimeout: 2 * time.Second,
		StopGrace:     300 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
		Probe:         probe,
		Logger:        logger,
	})

	fetcher := subscription.NewFetcher(subscription.FetcherConfig{UserAgent: "test", Timeout: time.Second})
	env := &testEnv{
		sup:      sup,
		router:   &fakeRouter{privileged: true},
		firewall: newFirewall(),
		proxy:    &fakeProxy{},
		db:       db,
	}
	env.sess = New(Config{}, Deps{
		Storage:     db,
		Configs:     config.NewStore(db, subscription.NewManager(fetcher, logger), nil, logger),
		Supervisor:  sup,
		Router:      env.router,
		KillSwitch:  killswitch.New(db, logger, killswitch.Options{Runner: env.firewall}),
		SystemProxy: env.proxy,
		Resolver:    staticResolver{netip.MustParseAddr("203.0.113.7")},
		Logger:      logger,
	})
	if err := env.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { sup.Stop(context.Background()) })
	return env
}

func waitStatus(t *testing.T, s *Session, want string) ConnectionStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := s.Status()
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %+v, want %s", st, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMyNodeScenario(t *testing.T) {
	ctx := context.Background()
	var seen []string
	var seenMu sync.Mutex
	var env *testEnv
	env = newTestEnv(t, func(context.Context, *types.CoreConfig) error {
		seenMu.Lock()
		seen = append(seen, env.sess.Status().Status)
		seenMu.Unlock()
		return nil
	})
	s := env.sess

	imp := s.ImportConfig(ctx, myNode)
	if !imp.Success || imp.Config.Address != "example.com" || imp.Config.Port != 443 || imp.Config.Name != "MyNode" {
		t.Fatalf("ImportConfig() = %+v", imp)
	}
	if !strings.HasPrefix(imp.Config.Link, "vless://123e4567-e89b-12d3-a456-426614174000@example.com:443?") ||
		!strings.Contains(imp.Config.Link, "security=reality") {
		t.Errorf("canonical link = %q", imp.Config.Link)
	}
	if ks := s.ToggleKillSwitch(ctx, true); !ks.Success || !ks.Enabled {
		t.Fatalf("ToggleKillSwitch() = %+v", ks)
	}

	if got := s.Status().Status; got != StatusDisconnected {
		t.Fatalf("initial status = %s", got)
	}
	res := s.ToggleConnection(ctx, true)
	if !res.Success || res.Status != StatusConnected || res.ProcessID <= 0 {
		t.Fatalf("ToggleConnection(true) = %+v", res)
	}
	seenMu.Lock()
	if len(seen) == 0 || seen[0] != StatusConnecting {
		t.Errorf("status during startup = %v, want connecting", seen)
	}
	seenMu.Unlock()

	syscall.Kill(-res.ProcessID, syscall.SIGKILL)

	st := waitStatus(t, s, StatusBlocked)
	ks := s.KillSwitchStatus()
	if !ks.IsActive || ks.ActivatedAt == nil {
		t.Errorf("KillSwitchStatus() = %+v", ks)
	}
	if !env.firewall.armed() {
		t.Error("firewall chain not installed")
	}
	if st.ProcessID != 0 {
		t.Errorf("blocked status carries pid %d", st.ProcessID)
	}

	if d := s.DeactivateKillSwitch(ctx); !d.Success {
		t.Fatalf("DeactivateKillSwitch() = %+v", d)
	}
	if ks := s.KillSwitchStatus(); ks.IsActive || !ks.Enabled {
		t.Errorf("after deactivate = %+v", ks)
	}
	if got := s.Status().Status; got != StatusDisconnected {
		t.Errorf("status after deactivate = %s", got)
	}
	if env.firewall.armed() {
		t.Error("firewall chain still installed")
	}
}

func TestUnexpectedExitWithoutKillSwitch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	s := env.sess

	s.ImportConfig(ctx, myNode)
	res := s.ToggleConnection(ctx, true)
	if !res.Success {
		t.Fatalf("ToggleConnection(true) = %+v", res)
	}
	syscall.Kill(-res.ProcessID, syscall.SIGKILL)

	st := waitStatus(t, s, StatusError)
	if st.ErrorCode != pkgerrors.CodeConnectionFailed {
		t.Errorf("ErrorCode = %q", st.ErrorCode)
	}
	if env.firewall.armed() || s.KillSwitchStatus().IsActive {
		t.Error("kill switch armed while disabled")
	}

	// Reconnecting from the error state works.
	if res := s.ToggleConnection(ctx, true); !res.Success || res.Status != StatusConnected {
		t.Errorf("reconnect = %+v", res)
	}
}

func TestKillSwitchReportsOpenIPv6(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.firewall.noIP6 = true
	s := env.sess

	s.ImportConfig(ctx, myNode)
	s.ToggleKillSwitch(ctx, true)
	res := s.ToggleConnection(ctx, true)
	if !res.Success {
		t.Fatalf("ToggleConnection(true) = %+v", res)
	}
	syscall.Kill(-res.ProcessID, syscall.SIGKILL)

	waitStatus(t, s, StatusBlocked)
	if ks := s.KillSwitchStatus(); !ks.IsActive || !strings.Contains(ks.Warning, "IPv6") {
		t.Errorf("KillSwitchStatus() = %+v", ks)
	}
}

// gatedKillSwitch holds Arm until released.
type gatedKillSwitch struct {
	KillSwitch
	entered chan struct{}
	release chan struct{}
}

func (k *gatedKillSwitch) Arm(ctx context.Context, p killswitch.Policy) error {
	close(k.entered)
	<-k.release
	return k.KillSwitch.Arm(ctx, p)
}

func TestLateExitKeepsNewerRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	s := env.sess
	gated := &gatedKillSwitch{KillSwitch: s.KillSwitch, entered: make(chan struct{}), release: make(chan struct{})}
	s.KillSwitch = gated

	s.ImportConfig(ctx, myNode)
	s.ToggleKillSwitch(ctx, true)
	s.ToggleTunMode(ctx, true)
	first := s.ToggleConnection(ctx, true)
	if !first.Success {
		t.Fatalf("ToggleConnection(true) = %+v", first)
	}
	syscall.Kill(-first.ProcessID, syscall.SIGKILL)

	select {
	case <-gated.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("kill switch never armed")
	}
	second := s.ToggleConnection(ctx, true)
	if !second.Success || second.ProcessID == first.ProcessID {
		t.Fatalf("reconnect = %+v", second)
	}

	events, cancel := s.Events().Subscribe()
	defer cancel()
	close(gated.release)
	for done := false; !done; {
		select {
		case ev := <-events:
			done = ev == EventConnectionChanged
		case <-time.After(3 * time.Second):
			t.Fatal("exit handler did not finish")
		}
	}

	if _, ok := env.router.Active(); !ok {
		t.Error("TUN of the newer run detached")
	}
	conn, err := env.db.GetActiveConnection(ctx)
	if err != nil || conn == nil || conn.PID != second.ProcessID {
		t.Errorf("active connection = %+v, %v, want pid %d", conn, err, second.ProcessID)
	}
	if st := env.sup.Status(); st.State != types.StateRunning || st.PID != second.ProcessID {
		t.Errorf("supervisor = %+v", st)
	}
}

func TestUserStopNeverArms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	s := env.sess

	s.ImportConfig(ctx, myNode)
	s.ToggleKillSwitch(ctx, true)
	s.ToggleConnection(ctx, true)

	res := s.ToggleConnection(ctx, false)
	if !res.Success || res.Status != StatusDisconnected {
		t.Fatalf("ToggleConnection(false) = %+v", res)
	}
	time.Sleep(50 * time.Millisecond)
	if env.firewall.armed() || s.Status().Status != StatusDisconnected {
		t.Error("user stop armed the kill switch")
	}
}

func TestResetRefusal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	s := env.sess

	if r := s.ResetConfig(ctx); !r.Success {
		t.Errorf("ResetConfig() without config = %+v", r)
	}
	s.ImportConfig(ctx, myNode)
	s.ToggleKillSwitch(ctx, true)
	res := s.ToggleConnection(ctx, true)

	r := s.ResetConfig(ctx)
	if r.Success || r.ErrorCode != pkgerrors.CodeConnectionActive {
		t.Errorf("ResetConfig() while connected = %+v", r)
	}

	syscall.Kill(-res.ProcessID, syscall.SIGKILL)
	waitStatus(t, s, StatusBlocked)
	if r := s.ResetConfig(ctx); r.Success {
		t.Errorf("ResetConfig() while blocked = %+v", r)
	}
	if got := s.GetConfig(ctx); !got.Exists {
		t.Fatal("config removed by refused reset")
	}

	s.DeactivateKillSwitch(ctx)
	if r := s.ResetConfig(ctx); !r.Success {
		t.Errorf("ResetConfig() after deactivate = %+v", r)
	}
	if got := s.GetConfig(ctx); got.Exists {
		t.Error("config still stored after reset")
	}
}

func TestConcurrentToggleIsBusy(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, _ *types.CoreConfig) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s := env.sess
	s.ImportConfig(ctx, myNode)

	first := make(chan ToggleConnectionResult, 1)
	go func() { first <- s.ToggleConnection(ctx, true) }()
	waitStatus(t, s, StatusConnecting)

	second := s.ToggleConnection(ctx, true)
	if second.Success || second.ErrorCode != pkgerrors.CodeBusy {
		t.Errorf("second ToggleConnection() = %+v", second)
	}
	if imp := s.ImportConfig(ctx, myNode); imp.ErrorCode != pkgerrors.CodeBusy {
		t.Errorf("ImportConfig() during connect = %+v", imp)
	}

	close(release)
	if res := <-first; !res.Success || res.Status != StatusConnected {
		t.Errorf("first ToggleConnection() = %+v", res)
	}
}

func TestConnectWithoutConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.sess.ToggleConnection(context.Background(), true)
	if res.Success || res.ErrorCode != pkgerrors.CodeNoConfig {
		t.Errorf("ToggleConnection() = %+v", res)
	}
}

func TestTunMode(t *testing.T) {
	ctx := context.Background()

	t.Run("attach with bypass", func(t *testing.T) {
		env := newTestEnv(t, nil)
		s := env.sess
		s.ImportConfig(ctx, myNode)

		if r := s.ToggleTunMode(ctx, true); !r.Success || !r.Enabled || !r.HasPrivileges {
			t.Fatalf("ToggleTunMode() = %+v", r)
		}
		if res := s.ToggleConnection(ctx, true); !res.Success {
			t.Fatalf("ToggleConnection() = %+v", res)
		}
		st := s.TunStatus(ctx)
		if !st.IsActive || st.TunInterface != tun.DefaultDevice {
			t.Errorf("TunStatus() = %+v", st)
		}
		if got := strings.Join(env.router.attached.Bypass, ","); got != "203.0.113.7" || env.router.attached.SOCKSPort != 10808 {
			t.Errorf("attach options = %+v", env.router.attached)
		}

		s.ToggleConnection(ctx, false)
		if s.TunStatus(ctx).IsActive {
			t.Error("TUN still active after disconnect")
		}
	})

	t.Run("attach failure stops proxy", func(t *testing.T) {
		env := newTestEnv(t, nil)
		s := env.sess
		s.ImportConfig(ctx, myNode)
		s.ToggleTunMode(ctx, true)
		env.router.attachErr = pkgerrors.ErrInterfaceCreateFailed

		res := s.ToggleConnection(ctx, true)
		if res.Success || res.ErrorCode != pkgerrors.CodeTunFailed || res.Status != StatusError {
			t.Errorf("ToggleConnection() = %+v", res)
		}
		if st := env.sup.Status(); st.State != types.StateStopped {
			t.Errorf("supervisor state = %s", st.State)
		}
	})

	t.Run("no privileges", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.router.privileged = false
		r := env.sess.ToggleTunMode(ctx, true)
		if r.Success || r.Enabled || r.ErrorCode != pkgerrors.CodePrivilegesInsufficient {
			t.Errorf("ToggleTunMode() = %+v", r)
		}
		if env.sess.CheckTunPrivileges(ctx).HasPrivileges {
			t.Error("CheckTunPrivileges() reported privileges")
		}
	})
}

func TestSystemProxy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	s := env.sess
	s.ImportConfig(ctx, myNode)

	if r := s.ToggleSystemProxy(ctx, true); r.Success || r.ErrorCode != pkgerrors.CodeNotConnected {
		t.Errorf("ToggleSystemProxy() while disconnected = %+v", r)
	}

	s.ToggleConnection(ctx, true)
	if r := s.ToggleSystemProxy(ctx, true); !r.Success || !r.Enabled {
		t.Fatalf("ToggleSystemProxy() = %+v", r)
	}
	if st := s.SystemProxyStatus(); !st.Enabled || st.SOCKSPort != 10808 {
		t.Errorf("SystemProxyStatus() = %+v", st)
	}

	s.ToggleConnection(ctx, false)
	if s.SystemProxyStatus().Enabled {
		t.Error("system proxy left on after disconnect")
	}

	// The preference is re-applied on the next connect.
	s.ToggleConnection(ctx, true)
	if !s.SystemProxyStatus().Enabled {
		t.Error("system proxy not re-applied on connect")
	}
}

func TestStartReconcilesArmedFirewall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.firewall.Run(context.Background(), "iptables", "-N", killswitch.Chain)
	env.firewall.Run(context.Background(), "iptables", "-A", killswitch.Chain, "-j", "DROP")
	env.firewall.Run(context.Background(), "iptables", "-I", "OUTPUT", "1", "-j", killswitch.Chain)

	if err := env.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !env.sess.KillSwitchStatus().IsActive || env.sess.Status().Status != StatusBlocked {
		t.Errorf("armed chain not picked up: %+v", env.sess.KillSwitchStatus())
	}
}

func TestEventsAfterMutations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	events, cancel := env.sess.Events().Subscribe()
	defer cancel()

	env.sess.ImportConfig(ctx, myNode)
	env.sess.ToggleKillSwitch(ctx, false)

	want := []string{EventConfigUpdated, EventKillSwitchChanged}
	for _, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Errorf("event = %q, want %q", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %q event", w)
		}
	}
}
