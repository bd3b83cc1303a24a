package audit

import (
	"context"
	"errors"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// LogSink writes every audit event to the log and forwards it to the
// wrapped sinks. With no sinks it is the audit trail of a database-less
// paper run.
type LogSink struct {
	logger *logger.Logger
	next   []contracts.AuditSink
}

// NewLogSink creates a logging sink in front of next
func NewLogSink(log *logger.Logger, next ...contracts.AuditSink) *LogSink {
	return &LogSink{logger: log.WithComponent("audit"), next: next}
}

// RecordAudit implements contracts.AuditSink. Every forward is attempted;
// the errors are joined.
func (s *LogSink) RecordAudit(ctx context.Context, ev *contracts.AuditEvent) error {
	fields := map[string]interface{}{
		"audit_id":    ev.ID,
		"type":        string(ev.Type),
		"instance_id": ev.InstanceID,
	}
	for k, v := range ev.Details {
		fields["d_"+k] = v
	}
	s.logger.WithFields(fields).Info(ev.Message)

	var errs []error
	for _, sink := range s.next {
		if sink == nil {
			continue
		}
		if err := sink.RecordAudit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
