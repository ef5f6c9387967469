// Package ingest provides the load engine for pkmlog.
//
// A Loader drives one source through the record tokenizer, the
// deterministic splitter, the optional repair fallback and the actor
// deriver, then writes accepted rows to the store inside one transaction.
// Every logical record ends either persisted or rejected; rejects go to an
// append-only report and never stop the run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hurttlocker/pkmlog/internal/record"
)

// Repairer extracts fields from a record the splitter could not handle.
// *extract.Repairer implements it.
type Repairer interface {
	Enabled() bool
	Name() string
	Repair(ctx context.Context, raw string) (record.FieldSet, error)
	Probe(ctx context.Context) error
}

// Stage is the outcome recorded for one logical record.
type Stage string

const (
	StageSplitOK           Stage = "split_ok"
	StageSplitFail         Stage = "split_fail"
	StageFallbackOK        Stage = "fallback_ok"
	StageFallbackFail      Stage = "fallback_fail"
	StageRequiredFieldOK   Stage = "required_field_ok"
	StageRequiredFieldFail Stage = "required_field_fail"
	StagePersisted         Stage = "persisted"
	StageRejected          Stage = "rejected"
)

// Reject reasons written to the report.
const (
	ReasonFieldCount     = "field_count"
	ReasonFallbackFailed = "fallback_failed"
	ReasonRequiredField  = "required_field"
	ReasonDroppedTail    = "dropped_tail"
)

// Defaults.
const (
	DefaultMinOKRatio   = 0.70
	DefaultRejectSample = 20
	DefaultBatchSize    = 500
	DefaultApp          = "pkmlog"
)

// Reject is one rejected logical record.
type Reject struct {
	Reason string `json:"reason"`
	Record string `json:"record"`
}

// Options configures a single Load call.
type Options struct {
	Source   string // label for reports and the run log
	Truncate bool   // clear the table in the same transaction before inserting
}

// Result summarizes a load. Seen == Accepted + Rejected always holds.
type Result struct {
	RunID        string        `json:"run_id"`
	Source       string        `json:"source"`
	Seen         int           `json:"seen"`
	Accepted     int           `json:"accepted"`
	Rejected     int           `json:"rejected"`
	Inserted     int           `json:"inserted"`
	ViaFallback  int           `json:"via_fallback"`
	OKRatio      float64       `json:"ok_ratio"`
	Capped       bool          `json:"capped"`
	Truncated    bool          `json:"truncated"`
	DroppedTail  string        `json:"dropped_tail,omitempty"`
	RejectSample []Reject      `json:"reject_sample,omitempty"`
	ReportPath   string        `json:"report_path,omitempty"`
	RunLogPath   string        `json:"run_log_path,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// ErrBelowThreshold is matched by *ThresholdError.
var ErrBelowThreshold = errors.New("accepted ratio below threshold")

// ThresholdError is returned when the accepted ratio is below the
// configured minimum. The transaction has been rolled back.
type ThresholdError struct {
	Accepted   int
	Seen       int
	Ratio      float64
	Min        float64
	ReportPath string
}

func (e *ThresholdError) Error() string {
	msg := fmt.Sprintf("loaded %d/%d rows (%.1f%%) which is below threshold %.0f%%",
		e.Accepted, e.Seen, e.Ratio*100, e.Min*100)
	if e.ReportPath != "" {
		msg += fmt.Sprintf(". See %s for details", e.ReportPath)
	}
	return msg
}

func (e *ThresholdError) Unwrap() error { return ErrBelowThreshold }

// FormatResult renders a one-line summary for CLI output.
func FormatResult(r *Result) string {
	s := fmt.Sprintf("inserted=%d seen=%d accepted=%d rejected=%d ok_ratio=%.3f",
		r.Inserted, r.Seen, r.Accepted, r.Rejected, r.OKRatio)
	if r.ViaFallback > 0 {
		s += fmt.Sprintf(" via_fallback=%d", r.ViaFallback)
	}
	if r.Capped {
		s += " capped=true"
	}
	if r.DroppedTail != "" {
		s += " dropped_tail=true"
	}
	return s
}
