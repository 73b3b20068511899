// Package killswitch blocks outbound traffic with a dedicated iptables and
// ip6tables chain when the proxy dies while the user expects protection.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"xraydeck/internal/storage"
	pkgerrors "xraydeck/pkg/errors"
)

// Chain is the name of the chain holding every kill switch rule.
const Chain = "XRAYDECK_KS"

const defaultCommandTimeout = 5 * time.Second

// Runner executes a firewall command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Policy describes what stays reachable while the kill switch is armed.
type Policy struct {
	// Endpoints are the proxy server addresses, resolved at connect time.
	Endpoints []netip.AddrPort
	// AllowCIDRs are extra destinations that are never blocked.
	AllowCIDRs []netip.Prefix
	// AllowLAN keeps private networks reachable.
	AllowLAN bool
	// DHCPServers may receive lease renewals besides broadcast. Usually
	// the default gateway.
	DHCPServers []netip.Addr
}

// State is the persisted kill switch state.
type State struct {
	Enabled     bool
	Active      bool
	ActivatedAt *time.Time
	// Warning names a gap in the protection while Active, such as IPv6
	// left open because ip6tables is missing.
	Warning string
}

var lanPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var broadcast = netip.MustParseAddr("255.255.255.255")

// KillSwitch installs and removes the firewall chain and persists the
// user's intent and the armed flag.
type KillSwitch struct {
	runner  Runner
	store   storage.Storage
	clock   clockwork.Clock
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	warning string
}

// Options configure a KillSwitch. Zero values fall back to defaults.
type Options struct {
	Runner         Runner
	Clock          clockwork.Clock
	CommandTimeout time.Duration
}

// New creates a kill switch backed by store.
func New(store storage.Storage, logger *zap.Logger, opts Options) *KillSwitch {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &KillSwitch{
		runner:  opts.Runner,
		store:   store,
		clock:   opts.Clock,
		logger:  logger.Named("killswitch"),
		timeout: opts.CommandTimeout,
	}
}

// staging receives the rules while they are built, so the live chain is
// never hooked into OUTPUT half populated.
const staging = Chain + "_NEW"

const ipv6Unprotected = "IPv6 traffic is not blocked: ip6tables is not installed"

type family struct {
	bin string
	is4 bool
}

var families = []family{
	{bin: "iptables", is4: true},
	{bin: "ip6tables"},
}

func (fam family) rules(p Policy) [][]string {
	rules := [][]string{{"-o", "lo", "-j", "ACCEPT"}}
	if fam.is4 {
		// DHCP requests go to broadcast or, on renewal, to the server.
		for _, dst := range append([]netip.Addr{broadcast}, p.DHCPServers...) {
			if !dst.Unmap().Is4() {
				continue
			}
			rules = append(rules, []string{"-d", dst.Unmap().String(), "-p", "udp",
				"--sport", "68", "--dport", "67", "-j", "ACCEPT"})
		}
	} else {
		// Neighbour discovery.
		rules = append(rules, []string{"-p", "ipv6-icmp", "-j", "ACCEPT"})
	}

	for _, ep := range p.Endpoints {
		if ep.Addr().Unmap().Is4() != fam.is4 {
			continue
		}
		dst := ep.Addr().Unmap().String()
		port := strconv.Itoa(int(ep.Port()))
		rules = append(rules,
			[]string{"-d", dst, "-p", "tcp", "--dport", port, "-j", "ACCEPT"},
			[]string{"-d", dst, "-p", "udp", "--dport", port, "-j", "ACCEPT"})
	}
	allow := p.AllowCIDRs
	if p.AllowLAN {
		allow = append(append([]netip.Prefix{}, allow...), lanPrefixes...)
	}
	for _, pfx := range allow {
		if pfx.Addr().Unmap().Is4() != fam.is4 {
			continue
		}
		rules = append(rules, []string{"-d", pfx.Masked().String(), "-j", "ACCEPT"})
	}
	return append(rules, []string{"-j", "DROP"})
}

// Arm builds the chain for both address families and hooks it into OUTPUT.
// Calling it again replaces the chain without a window where OUTPUT is
// unfiltered. On failure the persisted flag follows what the kernel holds.
func (k *KillSwitch) Arm(ctx context.Context, p Policy) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	warning := ""
	for _, fam := range families {
		if err := k.armFamily(ctx, fam, p); err != nil {
			if fam.is4 || !isNotInstalled(err) {
				return k.armFailed(ctx, err)
			}
			k.logger.Warn("ip6tables unavailable, IPv6 is not blocked", zap.Error(err))
			warning = ipv6Unprotected
		}
	}
	k.warning = warning

	now := k.clock.Now().UTC()
	if err := k.persistActive(ctx, true, &now); err != nil {
		return err
	}
	k.logger.Warn("kill switch armed, outbound traffic blocked",
		zap.Int("endpoints", len(p.Endpoints)), zap.Bool("allow_lan", p.AllowLAN))
	return nil
}

func (k *KillSwitch) armFailed(ctx context.Context, cause error) error {
	armed, err := k.armed(ctx, "iptables")
	if err != nil {
		k.logger.Warn("failed to probe firewall after arm failure", zap.Error(err))
		armed = false
	}
	var at *time.Time
	if armed {
		if prev, serr := k.state(ctx); serr == nil && prev.Active && prev.ActivatedAt != nil {
			at = prev.ActivatedAt
		} else {
			now := k.clock.Now().UTC()
			at = &now
		}
	} else {
		k.warning = ""
	}
	if err := k.persistActive(ctx, armed, at); err != nil {
		return errors.Join(cause, err)
	}
	k.logger.Error("failed to arm kill switch", zap.Bool("still_armed", armed), zap.Error(cause))
	return cause
}

func (k *KillSwitch) armFamily(ctx context.Context, fam family, p Policy) error {
	if err := k.dropChain(ctx, fam.bin, staging); err != nil {
		return err
	}
	if _, err := k.run(ctx, fam.bin, "-N", staging); err != nil {
		return err
	}
	for _, r := range fam.rules(p) {
		if _, err := k.run(ctx, fam.bin, append([]string{"-A", staging}, r...)...); err != nil {
			k.discard(ctx, fam.bin)
			return err
		}
	}

	// The complete chain is hooked before the previous one is unhooked.
	if _, err := k.run(ctx, fam.bin, "-I", "OUTPUT", "1", "-j", staging); err != nil {
		k.discard(ctx, fam.bin)
		return err
	}
	if err := k.dropChain(ctx, fam.bin, Chain); err != nil {
		return err
	}
	if _, err := k.run(ctx, fam.bin, "-E", staging, Chain); err != nil {
		return err
	}
	return nil
}

func (k *KillSwitch) discard(ctx context.Context, bin string) {
	if err := k.dropChain(ctx, bin, staging); err != nil {
		k.logger.Warn("failed to remove staging chain", zap.String("bin", bin), zap.Error(err))
	}
}

// Disarm removes the jump and the chain. Missing rules are not an error.
func (k *KillSwitch) Disarm(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for _, fam := range families {
		for _, chain := range []string{staging, Chain} {
			if err := k.dropChain(ctx, fam.bin, chain); err != nil {
				if !fam.is4 && isNotInstalled(err) {
					break
				}
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	k.warning = ""
	if err := k.persistActive(ctx, false, nil); err != nil {
		return err
	}
	k.logger.Info("kill switch disarmed")
	return nil
}

// dropChain unhooks chain from OUTPUT and deletes it. A missing chain is
// not an error.
func (k *KillSwitch) dropChain(ctx context.Context, bin, chain string) error {
	// The jump may have been inserted more than once by an older build.
	for i := 0; i < 8; i++ {
		if _, err := k.run(ctx, bin, "-D", "OUTPUT", "-j", chain); err != nil {
			if isNotInstalled(err) {
				return err
			}
			break
		}
	}
	if _, err := k.run(ctx, bin, "-F", chain); err != nil {
		if noSuchChain(err) {
			return nil
		}
		return err
	}
	if _, err := k.run(ctx, bin, "-X", chain); err != nil && !noSuchChain(err) {
		return err
	}
	return nil
}

// Armed reports whether a complete IPv4 chain is hooked into OUTPUT.
func (k *KillSwitch) Armed(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.armed(ctx, "iptables")
}

// armed accepts the live chain or a staging chain left hooked by an
// interrupted swap. A chain counts only when it ends in DROP.
func (k *KillSwitch) armed(ctx context.Context, bin string) (bool, error) {
	for _, chain := range []string{Chain, staging} {
		ok, err := k.hooked(ctx, bin, chain)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (k *KillSwitch) hooked(ctx context.Context, bin, chain string) (bool, error) {
	if _, err := k.run(ctx, bin, "-C", "OUTPUT", "-j", chain); err != nil {
		if badRule(err) || noSuchChain(err) {
			return false, nil
		}
		return false, err
	}
	out, err := k.run(ctx, bin, "-S", chain)
	if err != nil {
		if noSuchChain(err) {
			return false, nil
		}
		return false, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.HasSuffix(strings.TrimSpace(lines[len(lines)-1]), "-j DROP"), nil
}

// Reconcile aligns the persisted active flag with the kernel. It is run at
// startup because rules outlive the process that installed them.
func (k *KillSwitch) Reconcile(ctx context.Context) (State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	armed, err := k.armed(ctx, "iptables")
	if err != nil {
		st, serr := k.state(ctx)
		if serr != nil {
			return st, serr
		}
		return st, err
	}

	k.warning = ""
	if armed {
		switch v6, err := k.armed(ctx, "ip6tables"); {
		case isNotInstalled(err):
			k.warning = ipv6Unprotected
		case err == nil && !v6:
			k.warning = "IPv6 traffic is not blocked"
		}
	}

	st, err := k.state(ctx)
	if err != nil {
		return st, err
	}
	if armed == st.Active {
		return st, nil
	}

	if armed {
		now := k.clock.Now().UTC()
		st.ActivatedAt = &now
		k.logger.Warn("found kill switch chain installed by a previous run")
	} else {
		st.ActivatedAt = nil
	}
	st.Active = armed
	if armed {
		st.Warning = k.warning
	}
	return st, k.persistActive(ctx, armed, st.ActivatedAt)
}

// SetEnabled persists the user's intent. It never touches the firewall.
func (k *KillSwitch) SetEnabled(ctx context.Context, enabled bool) error {
	return storage.SetBool(ctx, k.store, storage.SettingKillSwitchEnabled, enabled)
}

// Enabled returns the persisted intent.
func (k *KillSwitch) Enabled(ctx context.Context) (bool, error) {
	return storage.GetBool(ctx, k.store, storage.SettingKillSwitchEnabled, false), nil
}

// State returns the persisted flags.
func (k *KillSwitch) State(ctx context.Context) (State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state(ctx)
}

func (k *KillSwitch) state(ctx context.Context) (State, error) {
	var st State
	var err error
	if st.Enabled, err = k.Enabled(ctx); err != nil {
		return st, err
	}
	st.Active = storage.GetBool(ctx, k.store, storage.SettingKillSwitchActive, false)
	raw, err := k.store.GetSetting(ctx, storage.SettingKillSwitchActivatedAt)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return st, err
	}
	if st.Active && raw != "" {
		if sec, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			t := time.Unix(sec, 0).UTC()
			st.ActivatedAt = &t
		}
	}
	if st.Active {
		st.Warning = k.warning
	}
	return st, nil
}

func (k *KillSwitch) persistActive(ctx context.Context, active bool, at *time.Time) error {
	if err := storage.SetBool(ctx, k.store, storage.SettingKillSwitchActive, active); err != nil {
		return fmt.Errorf("failed to persist kill switch state: %w", err)
	}
	ts := ""
	if at != nil {
		ts = strconv.FormatInt(at.Unix(), 10)
	}
	if err := k.store.SetSetting(ctx, storage.SettingKillSwitchActivatedAt, ts); err != nil {
		return fmt.Errorf("failed to persist kill switch state: %w", err)
	}
	return nil
}

func (k *KillSwitch) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	// -w waits for the xtables lock instead of failing.
	full := append([]string{"-w"}, args...)
	out, err := k.runner.Run(ctx, name, full...)
	if err != nil {
		return out, &pkgerrors.FirewallError{
			Command: name + " " + strings.Join(args, " "),
			Output:  strings.TrimSpace(string(out)),
			Err:     err,
		}
	}
	return out, nil
}

func isNotInstalled(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

func badRule(err error) bool {
	var fe *pkgerrors.FirewallError
	return errors.As(err, &fe) && strings.Contains(strings.ToLower(fe.Output), "bad rule")
}

func noSuchChain(err error) bool {
	var fe *pkgerrors.FirewallError
	if !errors.As(err, &fe) {
		return false
	}
	out := strings.ToLower(fe.Output)
	return strings.Contains(out, "no chain") || strings.Contains(out, "does not exist") ||
		strings.Contains(out, "no such file")
}
