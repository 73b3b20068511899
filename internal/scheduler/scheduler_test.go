package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"xraydeck/internal/session"
	pkgerrors "xraydeck/pkg/errors"
)

type countingJobs struct {
	rechecks  atomic.Int32
	refreshes atomic.Int32
}

func (c *countingJobs) RecheckPrivileges(context.Context) { c.rechecks.Add(1) }

func (c *countingJobs) RefreshSubscription(context.Context) session.RefreshResult {
	c.refreshes.Add(1)
	return session.RefreshResult{Failure: session.Failure{Error: "busy", ErrorCode: pkgerrors.CodeBusy}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobsRun(t *testing.T) {
	jobs := &countingJobs{}
	s, err := New(jobs, Config{PrivilegeRecheck: 50 * time.Millisecond, SubscriptionRefresh: 50 * time.Millisecond}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	waitFor(t, func() bool { return jobs.rechecks.Load() >= 2 && jobs.refreshes.Load() >= 2 })

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	n := jobs.rechecks.Load()
	time.Sleep(150 * time.Millisecond)
	if got := jobs.rechecks.Load(); got != n {
		t.Errorf("job ran after Stop: %d -> %d", n, got)
	}
}

func TestDisabledJob(t *testing.T) {
	jobs := &countingJobs{}
	s, err := New(jobs, Config{PrivilegeRecheck: 30 * time.Millisecond}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return jobs.rechecks.Load() >= 2 })
	if got := jobs.refreshes.Load(); got != 0 {
		t.Errorf("disabled refresh ran %d times", got)
	}
}
