package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/pkmlog/internal/config"
	"github.com/hurttlocker/pkmlog/internal/llm"
	pkmmcp "github.com/hurttlocker/pkmlog/internal/mcp"
	"github.com/hurttlocker/pkmlog/internal/query"
)

func runShow(args []string, stdout io.Writer) error {
	limit := 10
	runs := false
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "--limit"); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return usagef("--limit wants a positive integer, got %q", v)
			}
			limit = n
			continue
		}
		switch {
		case args[i] == "--runs":
			runs = true
		default:
			return usagef("usage: pkmlog show [--limit N] [--runs]")
		}
	}

	ctx := context.Background()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(stdout)
	if runs {
		list, err := a.store.ListRuns(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range list {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	rows, err := a.store.Preview(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func runStats(args []string, stdout io.Writer) error {
	asJSON := false
	for _, arg := range args {
		switch arg {
		case "--json":
			asJSON = true
		default:
			return usagef("usage: pkmlog stats [--json]")
		}
	}

	ctx := context.Background()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return nil
	}

	fmt.Fprintf(stdout, "Database:  %s\n", a.store.Path())
	fmt.Fprintf(stdout, "Table:     %s\n", st.Table)
	fmt.Fprintf(stdout, "Rows:      %d\n", st.RowCount)
	fmt.Fprintf(stdout, "Runs:      %d\n", st.RunCount)
	if st.MinTS != nil && st.MaxTS != nil {
		fmt.Fprintf(stdout, "Time span: %s .. %s\n", st.MinTS.Format(time.RFC3339), st.MaxTS.Format(time.RFC3339))
	}
	if st.DBSizeBytes > 0 {
		fmt.Fprintf(stdout, "Size:      %.1f KB\n", float64(st.DBSizeBytes)/1024)
	}
	if r := st.LastRun; r != nil {
		fmt.Fprintf(stdout, "Last run:  %s %s status=%s inserted=%d seen=%d ok_ratio=%.3f\n",
			r.FinishedAt.Format(time.RFC3339), r.Source, r.Status, r.Inserted, r.Seen, r.OKRatio)
	}
	return nil
}

// parseTextArgs collects the positional words and the --limit/--json/--llm
// flags shared by query and ask.
func parseTextArgs(args []string, allowLLM bool) (text string, o overrides, asJSON bool, err error) {
	o = overrides{}
	var words []string
	for i := 0; i < len(args); i++ {
		if v, ok := flagValue(args, &i, "--limit"); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return "", nil, false, usagef("--limit wants a positive integer, got %q", v)
			}
			o.set("query.max_rows", v, "--limit")
			continue
		}
		if allowLLM {
			if v, ok := flagValue(args, &i, "--llm"); ok {
				lc, err := llm.ParseLLMFlag(v)
				if err != nil {
					return "", nil, false, usagef("%v", err)
				}
				o.set("llm.provider", lc.Provider, "--llm")
				o.set("llm.model", lc.Model, "--llm")
				continue
			}
		}
		switch a := args[i]; {
		case a == "--json":
			asJSON = true
		case strings.HasPrefix(a, "--"):
			return "", nil, false, usagef("unknown flag: %s", a)
		default:
			words = append(words, a)
		}
	}
	return strings.TrimSpace(strings.Join(words, " ")), o, asJSON, nil
}

func runQuery(args []string, stdout io.Writer) error {
	sql, o, asJSON, err := parseTextArgs(args, false)
	if err != nil {
		return err
	}
	if sql == "" {
		return usagef(`usage: pkmlog query "SELECT ... FROM t" [--limit N] [--json]`)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, o)
	if err != nil {
		return err
	}
	defer a.Close()

	qctx, qcancel := context.WithTimeout(ctx, a.cfg.Query.Timeout)
	defer qcancel()
	res, err := a.newExecutor().Run(qctx, sql)
	if err != nil {
		return err
	}
	if asJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return nil
	}
	fmt.Fprint(stdout, query.FormatTable(res))
	return nil
}

func runAsk(args []string, stdout io.Writer) error {
	question, o, asJSON, err := parseTextArgs(args, true)
	if err != nil {
		return err
	}
	if question == "" {
		return usagef(`usage: pkmlog ask "<question>" [--llm provider/model] [--limit N] [--json]`)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, o)
	if err != nil {
		return err
	}
	defer a.Close()

	asker := a.newAsker()
	if asker == nil {
		return fmt.Errorf("%w: set llm.provider or pass --llm provider/model", llm.ErrNoProvider)
	}
	ans, err := asker.Ask(ctx, question)
	if err != nil {
		return err
	}
	if asJSON {
		data, _ := json.MarshalIndent(ans, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return nil
	}
	fmt.Fprintf(stdout, "SQL: %s\n\n", ans.SQL)
	fmt.Fprint(stdout, query.FormatTable(&query.Result{SQL: ans.SQL, Columns: ans.Columns, Rows: ans.Rows}))
	fmt.Fprintf(stdout, "\n%s\n", ans.Summary)
	return nil
}

func runReset(args []string, stdout io.Writer) error {
	yes := false
	for _, arg := range args {
		switch arg {
		case "--yes", "-y":
			yes = true
		default:
			return usagef("usage: pkmlog reset --yes")
		}
	}
	if !yes {
		return usagef("reset deletes every row of the table; pass --yes to confirm")
	}

	ctx := context.Background()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.Count(ctx)
	if err != nil {
		return err
	}
	if err := a.store.Clear(ctx); err != nil {
		return err
	}
	a.log.Info().Int64("rows", n).Str("table", a.store.Table()).Msg("table cleared")
	fmt.Fprintf(stdout, "deleted %d row(s) from %s\n", n, a.store.Table())
	return nil
}

func runMCP(args []string) error {
	if len(args) > 0 {
		return usagef("usage: pkmlog mcp")
	}

	ctx := context.Background()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	loader, err := a.newLoader()
	if err != nil {
		return err
	}
	srv := pkmmcp.NewServer(pkmmcp.ServerConfig{
		Store:    a.store,
		Loader:   loader,
		Opener:   a.opener,
		Executor: a.newExecutor(),
		Asker:    a.newAsker(),
		Version:  version,
	})
	a.log.Info().Str("db", a.store.Path()).Bool("ask", a.provider != nil).Msg("mcp: serving on stdio")
	return server.ServeStdio(srv)
}

func runConfig(args []string, stdout io.Writer) error {
	asJSON := false
	for _, arg := range args {
		switch arg {
		case "--json":
			asJSON = true
		default:
			return usagef("usage: pkmlog config [--json]")
		}
	}

	r, _, err := resolveConfig(nil)
	if r == nil {
		return err
	}

	if asJSON {
		shown := *r
		shown.Values = redactValues(r.Values, false)
		shown.LLMKeys = redactValues(r.LLMKeys, true)
		data, _ := json.MarshalIndent(shown, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return err
	}

	fmt.Fprintf(stdout, "# %s\n", r.ConfigPath)
	values := redactValues(r.Values, false)
	for _, k := range config.Keys() {
		v := values[k]
		from := string(v.Source)
		if v.From != "" {
			from += " " + v.From
		}
		fmt.Fprintf(stdout, "%-28s = %-32q (%s)\n", k, v.Value, from)
	}
	printMap(stdout, "target.columns.", r.Columns)
	printMap(stdout, "target.fields.", r.FieldMap)
	for _, k := range r.Unknown {
		fmt.Fprintf(stdout, "unknown key: %s\n", k)
	}
	return err
}

func printMap(w io.Writer, prefix string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-28s = %q\n", prefix+k, m[k])
	}
}

// redactValues masks llm.api_key, or every value when all is set.
func redactValues(in map[string]config.ResolvedValue, all bool) map[string]config.ResolvedValue {
	out := make(map[string]config.ResolvedValue, len(in))
	for k, v := range in {
		if (all || k == "llm.api_key") && v.Value != "" {
			v.Value = "***"
		}
		out[k] = v
	}
	return out
}
