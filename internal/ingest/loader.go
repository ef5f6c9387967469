package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/pkmlog/internal/actor"
	"github.com/hurttlocker/pkmlog/internal/logging"
	"github.com/hurttlocker/pkmlog/internal/record"
	"github.com/hurttlocker/pkmlog/internal/store"
)

// Config configures a Loader. Zero values take the documented defaults.
type Config struct {
	Fields         []string
	RequireFields  []string
	Header         string
	Split          record.SplitOptions
	UserField      string            // default "user"
	TimestampField string            // default "audit_utc"
	ColumnFields   map[string]string // store column -> field name

	MinOKRatio       float64 // 0 disables the check
	MaxRecords       int     // 0 = unlimited
	RejectSample     int
	BatchSize        int
	ReportPath       string
	CountDroppedTail bool
	RequireFallback  bool // probe the repairer before reading

	OutputsDir string // per-run debug log base; empty disables
	App        string
}

// DefaultColumnFields maps store columns to the PKM export fields.
func DefaultColumnFields() map[string]string {
	return map[string]string{
		store.ColProduct:  "label",
		store.ColAction:   "action",
		store.ColType:     "type",
		store.ColID:       "id",
		store.ColSubseqID: "subseq_id",
		store.ColVersion:  "version",
		store.ColMessage:  "message",
	}
}

// Loader runs sources into a LogStore.
type Loader struct {
	store  store.LogStore
	repair Repairer
	actors *actor.Deriver
	cfg    Config
	log    zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewLoader validates cfg and returns a Loader. rep may be nil, which
// disables the fallback.
func NewLoader(st store.LogStore, rep Repairer, der *actor.Deriver, cfg Config, log zerolog.Logger) (*Loader, error) {
	if st == nil {
		return nil, errors.New("loader requires a store")
	}
	if der == nil {
		der = actor.Default()
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = record.DefaultFields
	}
	if cfg.RejectSample <= 0 {
		cfg.RejectSample = DefaultRejectSample
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.App == "" {
		cfg.App = DefaultApp
	}
	if cfg.MinOKRatio < 0 || cfg.MinOKRatio > 1 {
		return nil, fmt.Errorf("min_ok_ratio must be within [0, 1], got %v", cfg.MinOKRatio)
	}
	if cfg.MaxRecords < 0 {
		return nil, fmt.Errorf("max_records must be >= 0, got %d", cfg.MaxRecords)
	}

	known := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if known[f] {
			return nil, fmt.Errorf("duplicate field %q", f)
		}
		known[f] = true
	}
	if cfg.UserField == "" && known["user"] {
		cfg.UserField = "user"
	}
	if cfg.TimestampField == "" && known["audit_utc"] {
		cfg.TimestampField = "audit_utc"
	}
	if cfg.ColumnFields == nil {
		cfg.ColumnFields = map[string]string{}
		for col, f := range DefaultColumnFields() {
			if known[f] {
				cfg.ColumnFields[col] = f
			}
		}
	}
	check := func(kind, name string) error {
		if name != "" && !known[name] {
			return fmt.Errorf("%s %q is not a configured field", kind, name)
		}
		return nil
	}
	for _, f := range cfg.RequireFields {
		if err := check("required field", f); err != nil {
			return nil, err
		}
	}
	if err := check("user field", cfg.UserField); err != nil {
		return nil, err
	}
	if err := check("timestamp field", cfg.TimestampField); err != nil {
		return nil, err
	}
	for col, f := range cfg.ColumnFields {
		if err := check("column "+col+" field", f); err != nil {
			return nil, err
		}
	}

	return &Loader{
		store:  st,
		repair: rep,
		actors: der,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}, nil
}

func (l *Loader) fallbackEnabled() bool {
	return l.repair != nil && l.repair.Enabled()
}

// run holds the mutable state of one Load call.
type run struct {
	res    *Result
	report *reportWriter
	dbg    zerolog.Logger
	rows   []*store.Row
	w      store.Writer
}

func (r *run) reject(reason, rec string, sampleMax int) {
	r.res.Rejected++
	if len(r.res.RejectSample) < sampleMax {
		r.res.RejectSample = append(r.res.RejectSample, Reject{Reason: reason, Record: rec})
	}
	r.report.reject(reason, rec)
}

// Load ingests one source. Records are processed strictly in input order.
// A below-threshold run returns both the result and a *ThresholdError; in
// that case nothing was written to the destination table.
func (l *Loader) Load(ctx context.Context, src io.Reader, opts Options) (*Result, error) {
	started := l.now()
	res := &Result{
		RunID:      l.newID(),
		Source:     opts.Source,
		ReportPath: l.cfg.ReportPath,
		Truncated:  opts.Truncate,
	}

	if err := l.store.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensuring destination table: %w", err)
	}
	if l.cfg.RequireFallback {
		if !l.fallbackEnabled() {
			return nil, fmt.Errorf("fallback required but no provider configured")
		}
		if err := l.repair.Probe(ctx); err != nil {
			return nil, fmt.Errorf("fallback unavailable: %w", err)
		}
	}

	r := &run{
		res:    res,
		report: newReportWriter(l.cfg.ReportPath, res.RunID, opts.Source, started),
		dbg:    zerolog.Nop(),
	}
	if l.cfg.OutputsDir != "" {
		rl, err := logging.OpenRunLog(l.cfg.OutputsDir, l.cfg.App, started)
		if err != nil {
			l.log.Warn().Err(err).Msg("run log disabled")
		}
		defer rl.Close()
		r.dbg = rl.Logger.With().Str("run_id", res.RunID).Logger()
		res.RunLogPath = rl.Path
	}
	r.dbg.Info().Str("source", opts.Source).Bool("truncate", opts.Truncate).
		Bool("fallback", l.fallbackEnabled()).Int("max_records", l.cfg.MaxRecords).Msg("run started")

	w, err := l.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	r.w = w
	defer w.Rollback()

	if opts.Truncate {
		if err := w.Clear(ctx); err != nil {
			return nil, l.fail(ctx, r, started, err)
		}
	}

	tok := record.NewTokenizer(src, l.cfg.Header)
	for {
		if l.cfg.MaxRecords > 0 && res.Seen >= l.cfg.MaxRecords {
			if _, more := tok.Next(); more {
				res.Capped = true
			}
			break
		}
		rec, ok := tok.Next()
		if !ok {
			break
		}
		res.Seen++
		l.process(ctx, r, rec, tok.Line())

		if len(r.rows) >= l.cfg.BatchSize {
			if err := l.flush(ctx, r); err != nil {
				return nil, l.fail(ctx, r, started, err)
			}
		}
	}
	if err := tok.Err(); err != nil {
		return nil, l.fail(ctx, r, started, fmt.Errorf("reading source: %w", err))
	}
	if err := l.flush(ctx, r); err != nil {
		return nil, l.fail(ctx, r, started, err)
	}

	if tail := tok.DroppedTail(); tail != "" && !res.Capped {
		res.DroppedTail = tail
		l.log.Warn().Int("bytes", len(tail)).Str("source", opts.Source).Msg("unterminated quoted record at end of input")
		r.dbg.Warn().Str("stage", string(StageRejected)).Str("reason", ReasonDroppedTail).Str("record", tail).Msg("dropped tail")
		if l.cfg.CountDroppedTail {
			res.Seen++
			r.reject(ReasonDroppedTail, tail, l.cfg.RejectSample)
		} else {
			r.report.reject(ReasonDroppedTail, tail)
		}
	}

	if res.Seen > 0 {
		res.OKRatio = float64(res.Accepted) / float64(res.Seen)
	}
	if err := r.report.close(res.Seen, res.Accepted, res.Rejected); err != nil {
		l.log.Warn().Err(err).Str("path", l.cfg.ReportPath).Msg("writing reject report")
	}
	if !r.report.written() {
		res.ReportPath = ""
	}

	status := store.RunOK
	var runErr error
	if res.Seen > 0 && l.cfg.MinOKRatio > 0 && res.OKRatio < l.cfg.MinOKRatio {
		if err := w.Rollback(); err != nil {
			return nil, l.fail(ctx, r, started, fmt.Errorf("rolling back: %w", err))
		}
		status = store.RunBelowThreshold
		runErr = &ThresholdError{
			Accepted:   res.Accepted,
			Seen:       res.Seen,
			Ratio:      res.OKRatio,
			Min:        l.cfg.MinOKRatio,
			ReportPath: res.ReportPath,
		}
		res.Inserted = 0
	} else {
		if err := w.Commit(); err != nil {
			return nil, l.fail(ctx, r, started, err)
		}
	}

	res.Elapsed = l.now().Sub(started)
	l.appendRun(ctx, r, started, status, runErr)
	r.dbg.Info().Str("status", status).Int("seen", res.Seen).Int("accepted", res.Accepted).
		Int("rejected", res.Rejected).Int("inserted", res.Inserted).Float64("ok_ratio", res.OKRatio).Msg("run finished")
	return res, runErr
}

// process moves one logical record to a terminal state.
func (l *Loader) process(ctx context.Context, r *run, rec string, line int) {
	dbg := r.dbg.With().Int("seq", r.res.Seen).Int("line", line).Logger()

	fs, err := record.Split(rec, l.cfg.Fields, l.cfg.Split)
	origin := record.OriginSplit
	if err == nil {
		dbg.Debug().Str("stage", string(StageSplitOK)).Msg("record")
	} else {
		dbg.Debug().Str("stage", string(StageSplitFail)).Err(err).Msg("record")
		if !l.fallbackEnabled() {
			dbg.Debug().Str("stage", string(StageRejected)).Str("reason", ReasonFieldCount).Msg("record")
			r.reject(ReasonFieldCount, rec, l.cfg.RejectSample)
			return
		}
		fs, err = l.repair.Repair(ctx, rec)
		if err != nil || !fs.Complete(l.cfg.Fields) {
			dbg.Debug().Str("stage", string(StageFallbackFail)).Err(err).Msg("record")
			r.reject(ReasonFallbackFailed, rec, l.cfg.RejectSample)
			return
		}
		origin = record.OriginFallback
		dbg.Debug().Str("stage", string(StageFallbackOK)).Msg("record")
	}

	if msg, ok := fs["message"]; ok {
		fs["message"] = strings.TrimRight(msg, "\r")
	}
	for _, f := range l.cfg.RequireFields {
		if strings.TrimSpace(fs[f]) == "" {
			dbg.Debug().Str("stage", string(StageRequiredFieldFail)).Str("field", f).Msg("record")
			r.reject(ReasonRequiredField+":"+f, rec, l.cfg.RejectSample)
			return
		}
	}

	r.rows = append(r.rows, l.buildRow(fs))
	r.res.Accepted++
	if origin == record.OriginFallback {
		r.res.ViaFallback++
	}
	dbg.Debug().Str("stage", string(StagePersisted)).Str("origin", string(origin)).Msg("record")
}

func (l *Loader) buildRow(fs record.FieldSet) *store.Row {
	id := l.actors.Derive(fs[l.cfg.UserField])
	get := func(col string) string {
		if f, ok := l.cfg.ColumnFields[col]; ok {
			return fs[f]
		}
		return ""
	}
	return &store.Row{
		TS:           store.TryCastTimestamp(fs[l.cfg.TimestampField]),
		Actor:        id.Actor,
		ActorDisplay: id.Display,
		Product:      get(store.ColProduct),
		Action:       get(store.ColAction),
		Type:         get(store.ColType),
		ID:           get(store.ColID),
		SubseqID:     get(store.ColSubseqID),
		Version:      get(store.ColVersion),
		Message:      get(store.ColMessage),
	}
}

func (l *Loader) flush(ctx context.Context, r *run) error {
	if len(r.rows) == 0 {
		return nil
	}
	if err := r.w.InsertRows(ctx, r.rows); err != nil {
		return err
	}
	r.res.Inserted += len(r.rows)
	r.rows = r.rows[:0]
	return nil
}

// fail rolls back, records a failed run and returns err wrapped.
func (l *Loader) fail(ctx context.Context, r *run, started time.Time, err error) error {
	r.w.Rollback()
	r.res.Inserted = 0
	if r.res.Seen > 0 {
		r.res.OKRatio = float64(r.res.Accepted) / float64(r.res.Seen)
	}
	r.report.close(r.res.Seen, r.res.Accepted, r.res.Rejected)
	l.appendRun(ctx, r, started, store.RunFailed, err)
	r.dbg.Error().Err(err).Msg("run failed")
	return fmt.Errorf("loading %s: %w", r.res.Source, err)
}

func (l *Loader) appendRun(ctx context.Context, r *run, started time.Time, status string, runErr error) {
	rec := &store.RunRecord{
		RunID:      r.res.RunID,
		Source:     r.res.Source,
		StartedAt:  started,
		FinishedAt: l.now(),
		Seen:       r.res.Seen,
		Accepted:   r.res.Accepted,
		Rejected:   r.res.Rejected,
		Inserted:   r.res.Inserted,
		OKRatio:    r.res.OKRatio,
		Status:     status,
		ReportPath: r.res.ReportPath,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := l.store.AppendRun(ctx, rec); err != nil {
		l.log.Warn().Err(err).Str("run_id", rec.RunID).Msg("recording run")
	}
}
