package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/pkmlog/internal/actor"
	"github.com/hurttlocker/pkmlog/internal/config"
	"github.com/hurttlocker/pkmlog/internal/extract"
	"github.com/hurttlocker/pkmlog/internal/ingest"
	"github.com/hurttlocker/pkmlog/internal/llm"
	"github.com/hurttlocker/pkmlog/internal/logging"
	"github.com/hurttlocker/pkmlog/internal/query"
	"github.com/hurttlocker/pkmlog/internal/source"
	"github.com/hurttlocker/pkmlog/internal/store"
)

// logOut receives the process log. run points it at its stderr.
var logOut io.Writer = os.Stderr

// app bundles the components built from one resolved configuration.
type app struct {
	resolved *config.Resolved
	cfg      *config.Config
	log      zerolog.Logger
	store    *store.SQLiteStore
	opener   *source.Opener
	provider llm.Provider // nil when llm.provider is empty
}

// resolveConfig merges the global flags with the command's own overrides.
func resolveConfig(cmdOverrides overrides) (*config.Resolved, *config.Config, error) {
	o, err := globalOverrides()
	if err != nil {
		return nil, nil, err
	}
	for k, v := range cmdOverrides {
		o[k] = v
	}
	r, err := config.Resolve(config.ResolveOptions{ConfigPath: globalConfigPath, Overrides: o})
	if err != nil {
		return nil, nil, err
	}
	cfg, err := r.Config()
	if err != nil {
		return r, nil, err
	}
	return r, cfg, nil
}

// openApp resolves the configuration, initializes logging and opens the
// store with its table in place.
func openApp(ctx context.Context, cmdOverrides overrides) (*app, error) {
	r, cfg, err := resolveConfig(cmdOverrides)
	if err != nil {
		return nil, err
	}

	log := logging.Init(logging.Options{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		App:    cfg.Ingest.App,
		Out:    logOut,
	})
	for _, k := range r.Unknown {
		log.Warn().Str("key", k).Str("file", r.ConfigPath).Msg("ignoring unknown config key")
	}

	var provider llm.Provider
	if cfg.LLM.Provider != "" {
		provider, err = llm.NewProvider(cfg.LLMProviderConfig())
		if err != nil {
			return nil, err
		}
	}

	st, err := store.NewStore(store.StoreConfig{
		DBPath:    cfg.Target.DBPath,
		Table:     cfg.Target.Table,
		Columns:   cfg.Target.Columns,
		BatchSize: cfg.Target.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := st.EnsureTable(ctx); err != nil {
		st.Close()
		return nil, err
	}
	log.Debug().Str("db", st.Path()).Str("table", st.Table()).Msg("store ready")

	return &app{
		resolved: r,
		cfg:      cfg,
		log:      log,
		store:    st,
		opener: source.NewOpener(source.Options{
			Region: cfg.AWSRegion,
		}, nil),
		provider: provider,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// columnFields is the package default mapping, limited to configured
// fields, with the adapter's target.fields applied on top.
func (a *app) columnFields() map[string]string {
	known := make(map[string]bool, len(a.cfg.Fields))
	for _, f := range a.cfg.Fields {
		known[f] = true
	}
	out := map[string]string{}
	for col, f := range ingest.DefaultColumnFields() {
		if known[f] {
			out[col] = f
		}
	}
	for col, f := range a.cfg.Target.ColumnFields {
		out[col] = f
	}
	return out
}

func (a *app) newRepairer(messageField string) *extract.Repairer {
	var p llm.Provider
	if a.cfg.Fallback.Enabled {
		p = a.provider
	}
	return extract.NewRepairer(p, extract.Config{
		Fields:         a.cfg.Fields,
		Delimiter:      a.cfg.Source.Split.Delimiter,
		MessageField:   messageField,
		TimestampField: a.cfg.Target.TimestampField,
		Timeout:        a.cfg.LLM.Timeout,
		MaxRetries:     a.cfg.LLM.MaxRetries,
		Backoff:        a.cfg.LLM.Backoff,
	}, a.log)
}

func (a *app) newLoader() (*ingest.Loader, error) {
	c := a.cfg
	der, err := actor.NewDeriver(c.Actors.SystemToken, c.Actors.LoginRegex, c.Actors.DisplayRegex)
	if err != nil {
		return nil, err
	}
	cols := a.columnFields()
	return ingest.NewLoader(a.store, a.newRepairer(cols[store.ColMessage]), der, ingest.Config{
		Fields:           c.Fields,
		RequireFields:    c.RequireFields,
		Header:           c.Source.Header,
		Split:            c.Source.Split,
		UserField:        c.Target.UserField,
		TimestampField:   c.Target.TimestampField,
		ColumnFields:     cols,
		MinOKRatio:       c.Ingest.MinOKRatio,
		MaxRecords:       c.Ingest.MaxRecords,
		RejectSample:     c.Ingest.RejectSample,
		BatchSize:        c.Target.BatchSize,
		ReportPath:       c.Ingest.RejectReport,
		CountDroppedTail: c.Ingest.CountDroppedTail,
		RequireFallback:  c.Fallback.Enabled && c.Fallback.RequireAvailable,
		OutputsDir:       c.Ingest.OutputsDir,
		App:              c.Ingest.App,
	}, a.log)
}

func (a *app) newExecutor() *query.Executor {
	return query.NewExecutor(a.store, a.cfg.Query.MaxRows)
}

// newAsker returns nil when no provider is configured.
func (a *app) newAsker() *query.Asker {
	if a.provider == nil {
		return nil
	}
	return query.NewAsker(a.newExecutor(), a.provider, a.cfg.Query.Timeout, a.cfg.Query.Timeout)
}

// uploadReport copies the reject report to rejects.upload_uri when one is
// configured and the run rejected anything.
func (a *app) uploadReport(ctx context.Context, res *ingest.Result) {
	if a.cfg.RejectsUpload == "" || res == nil || res.Rejected == 0 || res.ReportPath == "" {
		return
	}
	if err := a.opener.Upload(ctx, a.cfg.RejectsUpload, res.ReportPath); err != nil {
		a.log.Error().Err(err).Str("dst", a.cfg.RejectsUpload).Msg("uploading reject report")
		return
	}
	a.log.Info().Str("dst", a.cfg.RejectsUpload).Str("report", res.ReportPath).Msg("reject report uploaded")
}

// isThreshold reports whether err is a below-threshold rollback.
func isThreshold(err error) bool {
	return errors.Is(err, ingest.ErrBelowThreshold)
}
