package runner

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Daedalus/pkg/domain"
)

// Reporter is told about runs that failed
type Reporter interface {
	ReportFailure(ctx context.Context, run domain.Run, err error)
}

// SentryReporter sends failed runs to Sentry
type SentryReporter struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// NewSentryReporter reports through hub, or the current hub when nil
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub, flushTimeout: 2 * time.Second}
}

func (r *SentryReporter) ReportFailure(ctx context.Context, run domain.Run, err error) {
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", run.ID)
		scope.SetTag("entity_type", string(run.EntityType))
		scope.SetTag("tenant_id", run.Tenant)
		scope.SetContext("run", sentry.Context{
			"identifier_type": string(run.IdentifierType),
			"total":           run.Counts.Total,
			"processed":       run.Counts.Processed,
			"error_message":   run.ErrorMessage,
		})
		hub.CaptureException(err)
	})
	hub.Flush(r.flushTimeout)
}

type nopReporter struct{}

func (nopReporter) ReportFailure(context.Context, domain.Run, error) {}
