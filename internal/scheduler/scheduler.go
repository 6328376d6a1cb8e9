// Package scheduler runs the periodic reconciliation loops of the control
// plane: node health, entitlement refresh and entitlement expiry.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/service"
	"golang.org/x/sync/errgroup"
)

// Sweep names, also used by the admin trigger endpoint.
const (
	SweepHealth       = "health"
	SweepEntitlements = "entitlements"
	SweepExpiry       = "expiry"
)

type Options struct {
	HealthInterval      time.Duration
	EntitlementInterval time.Duration
	ExpiryInterval      time.Duration
	// OfflineAfter turns a failing node offline once it has not been seen
	// for this long
	OfflineAfter    time.Duration
	SweepTimeout    time.Duration
	NodeConcurrency int
	UserConcurrency int
	Now             func() time.Time
}

// Report summarizes one sweep run.
type Report struct {
	Sweep    string        `json:"sweep"`
	Units    int           `json:"units"`
	Failed   int           `json:"failed"`
	Changed  int           `json:"changed"`
	Duration time.Duration `json:"duration_ns"`
}

// Scheduler owns the three sweep loops. Each sweep is serialized with
// itself, whether it was started by cron or by Trigger.
type Scheduler struct {
	log         logrus.FieldLogger
	stores      *repository.Stores
	clients     client.Provider
	nodes       *service.NodeService
	provisioner *service.Provisioner
	backend     client.SubscriptionBackend
	opts        Options

	cron  *cron.Cron
	locks map[string]*sync.Mutex
}

func New(
	log logrus.FieldLogger,
	stores *repository.Stores,
	clients client.Provider,
	nodes *service.NodeService,
	provisioner *service.Provisioner,
	backend client.SubscriptionBackend,
	opts Options,
) *Scheduler {
	if opts.NodeConcurrency < 1 {
		opts.NodeConcurrency = 8
	}
	if opts.UserConcurrency < 1 {
		opts.UserConcurrency = 4
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = 4 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		log:         log.WithField("component", "scheduler"),
		stores:      stores,
		clients:     clients,
		nodes:       nodes,
		provisioner: provisioner,
		backend:     backend,
		opts:        opts,
		locks: map[string]*sync.Mutex{
			SweepHealth:       {},
			SweepEntitlements: {},
			SweepExpiry:       {},
		},
	}
}

// Start registers the loops and starts the cron runner.
func (s *Scheduler) Start() error {
	cronLog := cron.PrintfLogger(s.log)
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	jobs := []struct {
		name     string
		interval time.Duration
	}{
		{SweepHealth, s.opts.HealthInterval},
		{SweepEntitlements, s.opts.EntitlementInterval},
		{SweepExpiry, s.opts.ExpiryInterval},
	}
	for _, j := range jobs {
		name := j.name
		spec := fmt.Sprintf("@every %s", j.interval)
		if _, err := s.cron.AddFunc(spec, func() { s.runScheduled(name) }); err != nil {
			return fmt.Errorf("add %s job: %w", name, err)
		}
		s.log.WithFields(logrus.Fields{"sweep": name, "interval": j.interval.String()}).Info("sweep scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running sweeps until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, sweeps still running")
	}
}

func (s *Scheduler) runScheduled(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SweepTimeout)
	defer cancel()
	if _, err := s.Trigger(ctx, name); err != nil {
		s.log.WithError(err).WithField("sweep", name).Error("sweep failed")
	}
}

// Trigger runs the named sweep now and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Report, error) {
	lock, ok := s.locks[name]
	if !ok {
		return nil, apperr.Validation("sweep", "unknown sweep %q", name)
	}
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	var (
		report *Report
		err    error
	)
	switch name {
	case SweepHealth:
		report, err = s.HealthSweep(ctx)
	case SweepEntitlements:
		report, err = s.EntitlementSweep(ctx)
	case SweepExpiry:
		report, err = s.ExpirySweep(ctx)
	}
	if report != nil {
		report.Sweep = name
		report.Duration = time.Since(start)
		s.log.WithFields(logrus.Fields{
			"sweep":    name,
			"units":    report.Units,
			"failed":   report.Failed,
			"changed":  report.Changed,
			"duration": report.Duration.String(),
		}).Debug("sweep finished")
	}
	return report, err
}

// reconcileUsers runs ReconcileUser for each id with bounded concurrency.
// Per-user failures are logged and counted.
func (s *Scheduler) reconcileUsers(ctx context.Context, sweep string, userIDs []int64, report *Report) {
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.UserConcurrency)
	for _, id := range userIDs {
		id := id
		g.Go(func() error {
			decision, err := s.provisioner.ReconcileUser(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				s.log.WithError(err).WithFields(logrus.Fields{"sweep": sweep, "user_id": id, "op": "reconcile_user"}).
					Warn("user reconcile failed")
				return nil
			}
			if decision.Revoked > 0 || (decision.Disabled != nil && decision.Disabled.Revoked > 0) || createdAny(decision) {
				report.Changed++
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Units += len(userIDs)
}

func createdAny(d *service.UserDecision) bool {
	for _, p := range d.Provisioned {
		if p.Created {
			return true
		}
	}
	return false
}

func uniqueSorted(sets ...[]int64) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, set := range sets {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
