// Package notify delivers import completion summaries to operators. Delivery is best-effort:
// callers log failures and never let them affect job status.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// MaxSummaryErrors caps the error entries sent in one summary.
const MaxSummaryErrors = 20

// Summary describes a finished import job.
type Summary struct {
	ImportID string                     `json:"importId"`
	FileName string                     `json:"fileName"`
	Kind     string                     `json:"kind"`
	Status   string                     `json:"status"`
	Counters persistence.ImportCounters `json:"counters"`
	Errors   []persistence.ImportError  `json:"errors"`
	// TotalErrors is the size of the full error list before capping.
	TotalErrors int `json:"totalErrors"`
}

// NewSummary builds a summary from a finished job, keeping the first MaxSummaryErrors errors.
func NewSummary(job persistence.ImportJob) Summary {
	errs := job.Errors
	if len(errs) > MaxSummaryErrors {
		errs = errs[:MaxSummaryErrors]
	}
	return Summary{
		ImportID:    job.ImportID.String(),
		FileName:    job.FileName,
		Kind:        job.Kind,
		Status:      string(job.Status),
		Counters:    job.Counters,
		Errors:      append([]persistence.ImportError{}, errs...),
		TotalErrors: len(job.Errors),
	}
}

// Subject is the one-line headline of a summary.
func (s Summary) Subject() string {
	return fmt.Sprintf("Roster import %s: %s", s.Status, s.FileName)
}

// Text renders a plain-text body.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Import %s (%s) finished with status %s.\n\n", s.FileName, s.Kind, s.Status)
	fmt.Fprintf(&b, "Rows: %d, processed: %d\n", s.Counters.Total, s.Counters.Processed)
	fmt.Fprintf(&b, "Created: %d, updated: %d, activated: %d, skipped: %d, failed: %d\n",
		s.Counters.Created, s.Counters.Updated, s.Counters.Activated, s.Counters.Skipped, s.Counters.Failed)
	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, "\nErrors (%d of %d):\n", len(s.Errors), s.TotalErrors)
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  - %s: %s\n", e.Row, e.Reason)
		}
	}
	return b.String()
}

// Notifier sends a summary to an operator address.
type Notifier interface {
	SendSummary(ctx context.Context, adminEmail string, summary Summary) error
}

// LogNotifier only logs summaries. It is used when no relay endpoint is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendSummary(_ context.Context, adminEmail string, summary Summary) error {
	n.logger.Info("import summary",
		zap.String("import_id", summary.ImportID),
		zap.String("status", summary.Status),
		zap.Bool("has_recipient", adminEmail != ""),
		zap.Int("processed", summary.Counters.Processed),
		zap.Int("failed", summary.Counters.Failed),
	)
	return nil
}
