package service

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
)

// Event statuses
const (
	eventOK     = "success"
	eventFailed = "failed"
)

// recordEvent stores a diagnostic event. Failures are logged and dropped.
func recordEvent(ctx context.Context, events repository.EventStore, log logrus.FieldLogger, ev *models.NodeEvent) {
	if events == nil {
		return
	}
	if err := events.Create(ctx, ev); err != nil {
		log.WithError(err).WithField("action", ev.Action).Warn("failed to record node event")
	}
}

func nodeEvent(nodeID int64, userID *int64, action, status, message string) *models.NodeEvent {
	return &models.NodeEvent{
		NodeID:  &nodeID,
		UserID:  userID,
		Action:  action,
		Status:  status,
		Message: message,
	}
}
