package config

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"xraydeck/internal/storage"
	"xraydeck/internal/storage/models"
	"xraydeck/internal/storage/sqlite"
	"xraydeck/internal/subscription"
	pkgerrors "xraydeck/pkg/errors"
)

const myNode = "vless://123e4567-e89b-12d3-a456-426614174000@example.com:443?security=reality#MyNode"

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "cfg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	fetcher := subscription.NewFetcher(subscription.FetcherConfig{
		UserAgent: "test", Timeout: time.Second, RetryDelay: time.Millisecond,
	})
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(db, subscription.NewManager(fetcher, logger), clock, logger), clock
}

func TestImportSingle(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	p, err := s.Import(ctx, "  "+myNode+"\n")
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if !p.IsValid || p.Address != "example.com" || p.Port != 443 || p.Name != "MyNode" {
		t.Errorf("imported profile = %+v", p)
	}
	if !p.ImportedAt.Equal(clock.Now()) || p.LastValidatedAt == nil {
		t.Errorf("timestamps not set: importedAt=%v lastValidatedAt=%v", p.ImportedAt, p.LastValidatedAt)
	}

	stored, err := s.Current(ctx)
	if err != nil || stored == nil {
		t.Fatalf("Current() = %v, %v", stored, err)
	}
	if stored.SourceURL != myNode {
		t.Errorf("SourceURL = %q", stored.SourceURL)
	}
}

func TestFailedImportKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Import(ctx, myNode); err != nil {
		t.Fatal(err)
	}

	bad := []struct {
		input string
		want  error
	}{
		{"", pkgerrors.ErrInvalidFormat},
		{"vless://bad@example.com:443", pkgerrors.ErrInvalidUUID},
		{"vless://123e4567-e89b-12d3-a456-426614174000@example.com:0", pkgerrors.ErrPortOutOfRange},
		{base64.StdEncoding.EncodeToString([]byte(`["vless://x@y:1"]`)), pkgerrors.ErrSubscriptionEmpty},
		{"garbage", pkgerrors.ErrInvalidFormat},
	}
	for _, b := range bad {
		if _, err := s.Import(ctx, b.input); !errors.Is(err, b.want) {
			t.Errorf("Import(%q) error = %v, want %v", b.input, err, b.want)
		}
	}

	stored, err := s.Current(ctx)
	if err != nil || stored == nil || stored.Address != "example.com" {
		t.Errorf("previous config was overwritten: %+v, %v", stored, err)
	}
}

func TestImportInlineSubscription(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sub := base64.StdEncoding.EncodeToString([]byte(`["vless://oops", "` + myNode + `"]`))
	p, err := s.Import(ctx, sub)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if p.ConfigType != "subscription" || p.Address != "example.com" {
		t.Errorf("profile = %+v", p)
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	if _, err := s.Validate(ctx); !errors.Is(err, pkgerrors.ErrNoConfig) {
		t.Fatalf("Validate() without config error = %v", err)
	}

	if _, err := s.Import(ctx, myNode); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)

	p, err := s.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !p.IsValid || p.LastValidatedAt == nil || !p.LastValidatedAt.Equal(clock.Now()) {
		t.Errorf("validated profile = %+v", p)
	}
}

func TestValidateMarksBrokenSource(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.Import(ctx, myNode)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a record written by an older version with a bad source.
	p.SourceURL = "vless://broken"
	if err := s.storage.SaveProfile(ctx, p); err != nil {
		t.Fatal(err)
	}

	p, err = s.Validate(ctx)
	if !errors.Is(err, pkgerrors.ErrInvalidFormat) {
		t.Fatalf("Validate() error = %v", err)
	}
	if p.IsValid || p.ValidationError == "" {
		t.Errorf("expected invalid profile with message, got %+v", p)
	}
	stored, _ := s.Current(ctx)
	if stored.IsValid {
		t.Error("invalid flag was not persisted")
	}
}

// interleavedStorage runs next right after the first profile read.
type interleavedStorage struct {
	storage.Storage
	next func()
}

func (s *interleavedStorage) GetProfile(ctx context.Context) (*models.Profile, error) {
	p, err := s.Storage.GetProfile(ctx)
	if f := s.next; f != nil {
		s.next = nil
		f()
	}
	return p, err
}

func TestValidateDoesNotResurrect(t *testing.T) {
	ctx := context.Background()

	t.Run("reset", func(t *testing.T) {
		s, _ := newTestStore(t)
		if _, err := s.Import(ctx, myNode); err != nil {
			t.Fatal(err)
		}
		inner := s.storage
		s.storage = &interleavedStorage{Storage: inner, next: func() {
			if err := inner.DeleteProfile(ctx); err != nil {
				t.Error(err)
			}
		}}

		if _, err := s.Validate(ctx); !errors.Is(err, pkgerrors.ErrNoConfig) {
			t.Errorf("Validate() error = %v", err)
		}
		if p, _ := inner.GetProfile(ctx); p != nil {
			t.Errorf("reset config came back: %+v", p)
		}
	})

	t.Run("import", func(t *testing.T) {
		const other = "vless://123e4567-e89b-12d3-a456-426614174000@other.example.com:8443#Other"
		s, clock := newTestStore(t)
		if _, err := s.Import(ctx, myNode); err != nil {
			t.Fatal(err)
		}
		s.storage = &interleavedStorage{Storage: s.storage, next: func() {
			clock.Advance(time.Minute)
			if _, err := s.Import(ctx, other); err != nil {
				t.Error(err)
			}
		}}

		p, err := s.Validate(ctx)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		stored, _ := s.Current(ctx)
		if stored == nil || stored.Address != "other.example.com" || p.Address != "other.example.com" {
			t.Errorf("imported config overwritten: stored=%+v returned=%+v", stored, p)
		}
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Import(ctx, myNode); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(ctx, func() bool { return true }); !errors.Is(err, pkgerrors.ErrConfigInUse) {
		t.Fatalf("Reset() in use error = %v", err)
	}
	if p, _ := s.Current(ctx); p == nil {
		t.Fatal("config removed despite being in use")
	}

	if err := s.Reset(ctx, func() bool { return false }); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if p, _ := s.Current(ctx); p != nil {
		t.Errorf("config still present after reset: %+v", p)
	}
}

func TestRefreshRemote(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var body atomic.Value
	body.Store(`["` + myNode + `"]`)
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	p, err := s.Import(ctx, srv.URL+"/sub")
	if err != nil {
		t.Fatalf("Import(url) error: %v", err)
	}
	if p.ConfigType != "subscription" || p.SourceURL != srv.URL+"/sub" {
		t.Errorf("profile = %+v", p)
	}

	body.Store(`["vless://123e4567-e89b-12d3-a456-426614174000@other.example.com:8443"]`)
	p, changed, err := s.Refresh(ctx)
	if err != nil || !changed || p.Address != "other.example.com" {
		t.Fatalf("Refresh() = %+v, %v, %v", p, changed, err)
	}

	fail.Store(true)
	_, _, err = s.Refresh(ctx)
	if !errors.Is(err, pkgerrors.ErrSubscriptionFetchFailed) {
		t.Errorf("Refresh() error = %v", err)
	}
	stored, _ := s.Current(ctx)
	if stored.Address != "other.example.com" {
		t.Errorf("failed refresh changed stored config: %+v", stored)
	}
}

func TestRefreshSingleIsNoop(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	if _, err := s.Import(ctx, myNode); err != nil {
		t.Fatal(err)
	}
	_, changed, err := s.Refresh(ctx)
	if err != nil || changed {
		t.Errorf("Refresh() on single link = %v, %v", changed, err)
	}
}
