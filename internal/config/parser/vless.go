package parser

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"xraydeck/internal/storage/models"
	pkgerrors "xraydeck/pkg/errors"
)

var signedPortPattern = regexp.MustCompile(`^[+-][0-9]+$`)

var hostnamePattern = regexp.MustCompile(`(?i)^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// VLESSParser implements Parser for VLESS links
type VLESSParser struct{}

func (p *VLESSParser) Scheme() string {
	return "vless"
}

// Parse parses vless://uuid@host:port?params#name.
func (p *VLESSParser) Parse(link string) (*models.Profile, error) {
	link = strings.TrimSpace(link)
	if !IsLink(link) {
		return nil, invalid(pkgerrors.ErrInvalidFormat, link, "must start with vless://")
	}

	u, err := url.Parse(link)
	if err != nil {
		if port, ok := signedPort(link); ok {
			return nil, invalid(pkgerrors.ErrPortOutOfRange, link, "port "+port)
		}
		return nil, invalid(pkgerrors.ErrInvalidFormat, link, err.Error())
	}
	if u.User == nil || u.Host == "" {
		return nil, invalid(pkgerrors.ErrInvalidFormat, link, "expected uuid@host:port")
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return nil, invalid(pkgerrors.ErrInvalidFormat, link, "unexpected password in user info")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, invalid(pkgerrors.ErrInvalidFormat, link, "unexpected path "+u.Path)
	}

	id, err := canonicalUUID(u.User.Username())
	if err != nil {
		return nil, invalid(pkgerrors.ErrInvalidUUID, link, err.Error())
	}

	host := u.Hostname()
	if !validHost(host) {
		return nil, invalid(pkgerrors.ErrInvalidHost, link, fmt.Sprintf("%q is not a hostname or IP address", host))
	}

	portStr := u.Port()
	if portStr == "" {
		return nil, invalid(pkgerrors.ErrInvalidFormat, link, "port is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, invalid(pkgerrors.ErrPortOutOfRange, link, fmt.Sprintf("port %s", portStr))
	}
	if port < 1 || port > 65535 {
		return nil, invalid(pkgerrors.ErrPortOutOfRange, link, fmt.Sprintf("port %d", port))
	}

	params := splitQuery(u.RawQuery)

	profile := &models.Profile{
		SourceURL:  link,
		ConfigType: models.ConfigTypeSingle,
		UUID:       id,
		Address:    host,
		Port:       port,
		Flow:       params["flow"],
		Encryption: params["encryption"],
		Network:    strings.ToLower(firstNonEmpty(params["type"], params["network"])),
		Security:   strings.ToLower(params["security"]),
		Name:       u.Fragment,
		IsValid:    true,
	}

	if profile.Security == "reality" {
		reality := &models.RealityConfig{
			PublicKey:   firstNonEmpty(params["pbk"], params["publicKey"]),
			ShortID:     firstNonEmpty(params["sid"], params["shortId"]),
			ServerName:  firstNonEmpty(params["sni"], params["serverName"]),
			Fingerprint: firstNonEmpty(params["fp"], params["fingerprint"]),
			SpiderX:     params["spx"],
		}
		if *reality != (models.RealityConfig{}) {
			profile.Reality = reality
		}
	}

	transport := &models.TransportConfig{
		Path:        params["path"],
		Host:        params["host"],
		ServiceName: params["serviceName"],
	}
	if profile.Security == "tls" {
		transport.SNI = params["sni"]
		transport.Fingerprint = params["fp"]
		if alpn := params["alpn"]; alpn != "" {
			transport.ALPN = strings.Split(alpn, ",")
		}
	}
	if !transportEmpty(transport) {
		profile.Transport = transport
	}

	return profile, nil
}

// Encode renders the profile as a link. Parse(Encode(p)) yields the same
// connection fields as p.
func (p *VLESSParser) Encode(profile *models.Profile) (string, error) {
	if err := p.Validate(profile); err != nil {
		return "", err
	}

	var q []string
	add := func(k, v string) {
		if v != "" {
			q = append(q, k+"="+strings.ReplaceAll(url.QueryEscape(v), "+", "%20"))
		}
	}

	add("type", profile.Network)
	add("encryption", profile.Encryption)
	add("flow", profile.Flow)
	add("security", profile.Security)
	if r := profile.Reality; r != nil {
		add("pbk", r.PublicKey)
		add("sid", r.ShortID)
		add("sni", r.ServerName)
		add("fp", r.Fingerprint)
		add("spx", r.SpiderX)
	}
	if t := profile.Transport; t != nil {
		add("path", t.Path)
		add("host", t.Host)
		add("serviceName", t.ServiceName)
		if profile.Security == "tls" {
			add("sni", t.SNI)
			add("fp", t.Fingerprint)
			add("alpn", strings.Join(t.ALPN, ","))
		}
	}

	u := &url.URL{
		Scheme:   p.Scheme(),
		User:     url.User(profile.UUID),
		Host:     net.JoinHostPort(profile.Address, strconv.Itoa(profile.Port)),
		RawQuery: strings.Join(q, "&"),
		Fragment: profile.Name,
	}
	return u.String(), nil
}

// Validate checks the connection fields of a stored profile.
func (p *VLESSParser) Validate(profile *models.Profile) error {
	if profile == nil {
		return pkgerrors.ErrNoConfig
	}
	if _, err := canonicalUUID(profile.UUID); err != nil {
		return invalid(pkgerrors.ErrInvalidUUID, profile.UUID, err.Error())
	}
	if !validHost(profile.Address) {
		return invalid(pkgerrors.ErrInvalidHost, profile.Address, "")
	}
	if profile.Port < 1 || profile.Port > 65535 {
		return invalid(pkgerrors.ErrPortOutOfRange, strconv.Itoa(profile.Port), fmt.Sprintf("port %d", profile.Port))
	}
	switch profile.ConfigType {
	case models.ConfigTypeSingle, models.ConfigTypeSubscription:
	default:
		return invalid(pkgerrors.ErrInvalidFormat, profile.ConfigType, "unknown config type")
	}
	return nil
}

// signedPort extracts a port such as -1 that url.Parse refuses before any
// range check could run.
func signedPort(link string) (string, bool) {
	authority := link[len("vless://"):]
	if i := strings.IndexAny(authority, "/?#"); i >= 0 {
		authority = authority[:i]
	}
	if i := strings.LastIndex(authority, "@"); i >= 0 {
		authority = authority[i+1:]
	}
	_, port, err := net.SplitHostPort(authority)
	if err != nil || !signedPortPattern.MatchString(port) {
		return "", false
	}
	return port, true
}

// canonicalUUID accepts only the 8-4-4-4-12 hex form and lower-cases it.
// uuid.Parse alone would also take urn: and braced forms.
func canonicalUUID(s string) (string, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("%q is not a canonical uuid", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	// Dotted quads that failed ParseIP (e.g. 300.1.1.1) are not hostnames either.
	if looksNumeric(host) {
		return false
	}
	return hostnamePattern.MatchString(host)
}

func looksNumeric(host string) bool {
	for _, r := range host {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// splitQuery splits on & and unescapes without treating '+' as a space.
// Later keys win.
func splitQuery(raw string) map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if uk, err := url.PathUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.PathUnescape(v); err == nil {
			v = uv
		}
		params[k] = v
	}
	return params
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func transportEmpty(t *models.TransportConfig) bool {
	return t.Path == "" && t.Host == "" && t.ServiceName == "" && t.SNI == "" && t.Fingerprint == "" && len(t.ALPN) == 0
}
