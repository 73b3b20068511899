// Package importserver serves a small HTTPS page on the LAN so a link can
// be pasted from a phone or PC instead of typed on the Deck.
package importserver

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"xraydeck/internal/session"
	pkgerrors "xraydeck/pkg/errors"
)

// Path is where the import page lives.
const Path = "/import"

const maxFormBytes = 64 << 10

//go:embed static/import.html
var static embed.FS

// Importer stores an imported link. *session.Session implements it.
type Importer interface {
	ImportConfig(ctx context.Context, raw string) session.ImportResult
}

// Response is the POST /import result.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type linkBody struct {
	Link  string `json:"link"`
	VLESS string `json:"vless"`
}

// Options configure the server.
type Options struct {
	Addr    string
	CertDir string
}

// Server is the LAN import server.
type Server struct {
	importer Importer
	opts     Options
	logger   *zap.Logger
	port     int
}

// New creates an import server.
func New(importer Importer, opts Options, logger *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "0.0.0.0:8765"
	}
	port := 8765
	if _, p, err := net.SplitHostPort(opts.Addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return &Server{importer: importer, opts: opts, logger: logger.Named("import"), port: port}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, Path, http.StatusFound)
	})
	r.Get(Path, s.handlePage)
	r.Post(Path, s.handleImport)
	return r
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	page, err := static.ReadFile("static/import.html")
	if err != nil {
		http.Error(w, "import page missing", http.StatusInternalServerError)
		return
	}
	render.HTML(w, r, string(page))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	var link string
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		var body linkBody
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			s.reject(w, r, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		link = firstNonEmpty(body.Link, body.VLESS)
	} else {
		if err := r.ParseForm(); err != nil {
			s.reject(w, r, http.StatusBadRequest, "Invalid form body")
			return
		}
		link = firstNonEmpty(r.PostForm.Get("link"), r.PostForm.Get("vless"))
	}

	link = strings.TrimSpace(link)
	if link == "" {
		s.reject(w, r, http.StatusBadRequest, "Missing or invalid link")
		return
	}

	res := s.importer.ImportConfig(r.Context(), link)
	if !res.Success {
		status := http.StatusBadRequest
		if res.ErrorCode == pkgerrors.CodeBusy {
			status = http.StatusConflict
		}
		s.reject(w, r, status, res.Error)
		return
	}
	s.logger.Info("link imported from LAN", zap.String("remote", r.RemoteAddr))
	render.JSON(w, r, Response{Success: true, Message: "Saved"})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.logger.Info("import rejected", zap.Int("status", status), zap.String("reason", msg), zap.String("remote", r.RemoteAddr))
	render.Status(r, status)
	render.JSON(w, r, Response{Error: msg})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// URL returns the address a LAN peer should open.
func (s *Server) URL() (baseURL, path string) {
	host := LANAddress()
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("https://%s", net.JoinHostPort(host, strconv.Itoa(s.port))), Path
}

// Serve listens with TLS until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	cert, err := EnsureCert(s.opts.CertDir, time.Now())
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}
	base, path := s.URL()
	s.logger.Info("import server listening", zap.String("url", base+path))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeTLS(ln, "", "") }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var tunRange = netip.MustParsePrefix("198.18.0.0/15")

// LANAddress returns the IPv4 address peers on the LAN can reach, or ""
// when offline. The TUN device's address is skipped. No packet is sent.
func LANAddress() string {
	if conn, err := net.Dial("udp4", "192.0.2.1:9"); err == nil {
		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		if ok {
			if ip, ok := netip.AddrFromSlice(addr.IP.To4()); ok && !ip.IsLoopback() && !tunRange.Contains(ip) {
				return ip.String()
			}
		}
	}

	// Routed into the TUN device; fall back to the first private address.
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			pfx, err := netip.ParsePrefix(a.String())
			if err != nil {
				continue
			}
			ip := pfx.Addr()
			if ip.Is4() && ip.IsPrivate() && !tunRange.Contains(ip) {
				return ip.String()
			}
		}
	}
	return ""
}
