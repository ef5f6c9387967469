package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/hurttlocker/pkmlog/internal/ingest"
	"github.com/hurttlocker/pkmlog/internal/llm"
)

type loadFlags struct {
	overrides  overrides
	positional []string
	json       bool
}

// parseLoadFlags handles the flags shared by load and ingest-dir. extra
// maps further "--flag" names to config keys.
func parseLoadFlags(args []string, extra map[string]string) (*loadFlags, error) {
	lf := &loadFlags{overrides: overrides{}}
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "--max-records"); ok {
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				return nil, usagef("--max-records wants a non-negative integer, got %q", v)
			}
			lf.overrides.set("ingest.max_records", v, "--max-records")
			continue
		}
		if v, ok := flagValue(args, &i, "--min-ok-ratio"); ok {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return nil, usagef("--min-ok-ratio wants a number, got %q", v)
			}
			lf.overrides.set("ingest.min_ok_ratio", v, "--min-ok-ratio")
			continue
		}
		if v, ok := flagValue(args, &i, "--llm"); ok {
			lc, err := llm.ParseLLMFlag(v)
			if err != nil {
				return nil, usagef("%v", err)
			}
			lf.overrides.set("llm.provider", lc.Provider, "--llm")
			lf.overrides.set("llm.model", lc.Model, "--llm")
			continue
		}
		if v, ok := flagValue(args, &i, "--report"); ok {
			lf.overrides.set("ingest.reject_report", v, "--report")
			continue
		}
		if v, ok := flagValue(args, &i, "--upload-rejects"); ok {
			lf.overrides.set("rejects.upload_uri", v, "--upload-rejects")
			continue
		}
		matched := false
		for flag, key := range extra {
			if v, ok := flagValue(args, &i, flag); ok {
				lf.overrides.set(key, v, flag)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		switch a := args[i]; {
		case a == "--truncate":
			lf.overrides.set("ingest.truncate", "true", a)
		case a == "--no-fallback":
			lf.overrides.set("fallback.enabled", "false", a)
		case a == "--require-fallback":
			lf.overrides.set("fallback.require_available", "true", a)
		case a == "--count-dropped-tail":
			lf.overrides.set("ingest.count_dropped_tail", "true", a)
		case a == "--json":
			lf.json = true
		case strings.HasPrefix(a, "-"):
			return nil, usagef("unknown flag: %s", a)
		default:
			lf.positional = append(lf.positional, a)
		}
	}
	return lf, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func printResult(w io.Writer, res *ingest.Result, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintln(w, ingest.FormatResult(res))
	if res.Rejected > 0 && res.ReportPath != "" {
		fmt.Fprintf(w, "rejects: %s\n", res.ReportPath)
	}
	if res.DroppedTail != "" {
		fmt.Fprintln(w, "warning: input ended inside a quoted field; the unterminated tail was dropped")
	}
}

func runLoad(args []string, stdout io.Writer) error {
	lf, err := parseLoadFlags(args, nil)
	if err != nil {
		return err
	}
	if len(lf.positional) != 1 {
		return usagef("usage: pkmlog load <path|s3://bucket/key> [--truncate] [--max-records N] [--min-ok-ratio F] [--llm provider/model] [--json]")
	}
	src := lf.positional[0]

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, lf.overrides)
	if err != nil {
		return err
	}
	defer a.Close()

	loader, err := a.newLoader()
	if err != nil {
		return err
	}

	rc, err := a.opener.Open(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()

	res, err := loader.Load(ctx, rc, ingest.Options{Source: src, Truncate: a.cfg.Ingest.Truncate})
	if res != nil {
		printResult(stdout, res, lf.json)
		a.uploadReport(ctx, res)
	}
	if err != nil {
		if isThreshold(err) {
			a.log.Warn().Str("source", src).Msg("load rolled back")
		}
		return err
	}
	return nil
}

func runIngestDir(args []string, stdout io.Writer) error {
	lf, err := parseLoadFlags(args, map[string]string{
		"--inbox":     "inbox.dir",
		"--processed": "inbox.processed",
		"--failed":    "inbox.failed",
	})
	if err != nil {
		return err
	}
	if len(lf.positional) > 0 {
		return usagef("usage: pkmlog ingest-dir [--inbox DIR] [--processed DIR] [--failed DIR]")
	}
	if _, ok := lf.overrides["ingest.truncate"]; ok {
		return usagef("ingest-dir always appends; --truncate is not allowed")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, lf.overrides)
	if err != nil {
		return err
	}
	defer a.Close()

	loader, err := a.newLoader()
	if err != nil {
		return err
	}

	res, err := loader.RunInbox(ctx, a.opener, ingest.InboxConfig{
		Inbox:     a.cfg.Inbox.Dir,
		Processed: a.cfg.Inbox.Processed,
		Failed:    a.cfg.Inbox.Failed,
	})
	if err != nil {
		return err
	}

	if lf.json {
		type fileOut struct {
			Path    string         `json:"path"`
			MovedTo string         `json:"moved_to,omitempty"`
			Result  *ingest.Result `json:"result,omitempty"`
			Error   string         `json:"error,omitempty"`
		}
		out := make([]fileOut, 0, len(res.Files))
		for _, f := range res.Files {
			fo := fileOut{Path: f.Path, MovedTo: f.MovedTo, Result: f.Result}
			if f.Err != nil {
				fo.Error = f.Err.Error()
			}
			out = append(out, fo)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		for _, f := range res.Files {
			if f.Err != nil {
				fmt.Fprintf(stdout, "FAIL %s: %v\n", f.Path, f.Err)
			} else {
				fmt.Fprintf(stdout, "OK   %s: %s\n", f.Path, ingest.FormatResult(f.Result))
			}
		}
		fmt.Fprintf(stdout, "%d file(s): %d ok, %d failed\n", len(res.Files), res.OK, res.Failed)
	}

	for _, f := range res.Files {
		a.uploadReport(ctx, f.Result)
	}

	if res.Failed > 0 {
		return fmt.Errorf("%d of %d inbox file(s) failed", res.Failed, len(res.Files))
	}
	return nil
}
