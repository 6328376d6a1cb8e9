package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"golang.org/x/sync/errgroup"
)

// EntitlementSweep refreshes binding statuses from the subscription
// backend and reconciles every user that has, or may have lost, access.
func (s *Scheduler) EntitlementSweep(ctx context.Context) (*Report, error) {
	now := s.opts.Now()
	report := &Report{}

	bindings, err := s.stores.Bindings.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	if s.backend != nil {
		s.refreshBindings(ctx, bindings, report)
	}

	var bound []int64
	for _, b := range bindings {
		if b.UserID != nil {
			bound = append(bound, *b.UserID)
		}
	}
	entitled, err := s.stores.Entitlements.ListActiveUserIDs(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list entitled users: %w", err)
	}
	holding, err := s.stores.Secrets.ListActiveUserIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list users holding secrets: %w", err)
	}

	s.reconcileUsers(ctx, SweepEntitlements, uniqueSorted(bound, entitled, holding), report)
	return report, nil
}

// refreshBindings pulls each binding's status from the backend. A backend
// failure leaves the stored status in place.
func (s *Scheduler) refreshBindings(ctx context.Context, bindings []*models.EntitlementBinding, report *Report) {
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.UserConcurrency)
	for _, b := range bindings {
		b := b
		g.Go(func() error {
			log := s.log.WithFields(logrus.Fields{"external_subscription_id": b.ExternalSubscriptionID, "op": "refresh_binding"})
			status, err := s.backend.GetStatus(ctx, b.ExternalSubscriptionID)
			if err != nil {
				log.WithError(err).Warn("binding status refresh failed")
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}
			if !models.ValidEntitlementStatus(status) {
				log.WithField("status", status).Warn("backend returned unknown status")
				return nil
			}
			if err := s.stores.Bindings.UpdateStatus(ctx, b.ID, status, s.opts.Now()); err != nil {
				log.WithError(err).Error("failed to store binding status")
				return nil
			}
			if status != b.Status {
				log.WithFields(logrus.Fields{"from": b.Status, "to": status}).Info("binding status changed")
				b.Status = status
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ExpirySweep expires entitlements past their end and reconciles their
// users. Access from other sources is kept.
func (s *Scheduler) ExpirySweep(ctx context.Context) (*Report, error) {
	expired, err := s.stores.Entitlements.ExpireDue(ctx, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("expire entitlements: %w", err)
	}
	report := &Report{}
	if len(expired) == 0 {
		return report, nil
	}

	ids := make([]int64, 0, len(expired))
	for _, e := range expired {
		s.log.WithFields(logrus.Fields{"user_id": e.UserID, "entitlement_id": e.ID}).Info("entitlement expired")
		ids = append(ids, e.UserID)
	}
	s.reconcileUsers(ctx, SweepExpiry, uniqueSorted(ids), report)
	return report, nil
}
