package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valyala/fastjson"

	"github.com/hurttlocker/pkmlog/internal/extract"
	"github.com/hurttlocker/pkmlog/internal/llm"
)

// ErrNoSQL means the model output contained no usable statement.
var ErrNoSQL = errors.New("model did not return usable SQL")

var firstSelectRE = regexp.MustCompile(`(?is)\bselect\b.*`)

// Answer is the outcome of one question.
type Answer struct {
	Question string        `json:"question"`
	SQL      string        `json:"sql"`
	Reason   string        `json:"reason,omitempty"`
	Columns  []string      `json:"columns"`
	Rows     [][]*string   `json:"rows"`
	Summary  string        `json:"summary"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Asker turns a question into SQL, runs it, and summarizes the rows.
type Asker struct {
	exec       *Executor
	provider   llm.Provider
	sqlTimeout time.Duration
	nlgTimeout time.Duration
	parser     fastjson.ParserPool
}

// NewAsker returns an Asker. Zero timeouts default to 60s.
func NewAsker(exec *Executor, provider llm.Provider, sqlTimeout, nlgTimeout time.Duration) *Asker {
	if sqlTimeout <= 0 {
		sqlTimeout = 60 * time.Second
	}
	if nlgTimeout <= 0 {
		nlgTimeout = 60 * time.Second
	}
	return &Asker{exec: exec, provider: provider, sqlTimeout: sqlTimeout, nlgTimeout: nlgTimeout}
}

// Ask runs the full question pipeline.
func (a *Asker) Ask(ctx context.Context, question string) (*Answer, error) {
	if a.provider == nil {
		return nil, llm.ErrNoProvider
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}
	start := time.Now()

	schema, err := a.exec.SchemaText(ctx)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, a.sqlTimeout)
	raw, err := a.provider.Complete(sctx, BuildSQLPrompt(question, schema, a.exec.MaxRows()), llm.CompletionOpts{Format: "json"})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("generating SQL: %w", err)
	}
	sql, reason, err := a.ParseSQLResponse(raw)
	if err != nil {
		return nil, err
	}

	res, err := a.exec.Run(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("running generated SQL %q: %w", sql, err)
	}

	ans := &Answer{
		Question: question,
		SQL:      res.SQL,
		Reason:   reason,
		Columns:  res.Columns,
		Rows:     res.Rows,
	}

	nctx, cancel := context.WithTimeout(ctx, a.nlgTimeout)
	defer cancel()
	summary, err := a.provider.Complete(nctx, BuildSummaryPrompt(question, res), llm.CompletionOpts{})
	if err != nil {
		return nil, fmt.Errorf("summarizing result: %w", err)
	}
	ans.Summary = strings.TrimSpace(summary)
	ans.Elapsed = time.Since(start)
	return ans, nil
}

// ParseSQLResponse extracts {"sql","reason"} from model output. It tries
// the cleaned text, then the first '{' to last '}' substring, then falls
// back to everything from the first SELECT.
func (a *Asker) ParseSQLResponse(raw string) (sql, reason string, err error) {
	clean := extract.CleanResponse(raw)

	p := a.parser.Get()
	defer a.parser.Put(p)

	candidates := []string{clean}
	if i, j := strings.Index(clean, "{"), strings.LastIndex(clean, "}"); i >= 0 && j > i {
		candidates = append(candidates, clean[i:j+1])
	}
	for _, c := range candidates {
		v, perr := p.Parse(c)
		if perr != nil || v.Type() != fastjson.TypeObject {
			continue
		}
		if s := strings.TrimSpace(string(v.GetStringBytes("sql"))); s != "" {
			return s, string(v.GetStringBytes("reason")), nil
		}
	}

	if m := firstSelectRE.FindString(clean); m != "" {
		return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m), "```")), "auto-extracted from model output", nil
	}
	snippet := raw
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return "", "", fmt.Errorf("%w: %q", ErrNoSQL, snippet)
}

// BuildSQLPrompt asks for one SELECT over t as {"sql","reason"} JSON.
func BuildSQLPrompt(question, schema string, maxRows int) string {
	var b strings.Builder
	b.WriteString("Translate the QUESTION into a single SQLite SELECT over the table 't'.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Output JSON with exactly two keys: sql, reason.\n")
	b.WriteString("- Query only FROM t using the columns listed below.\n")
	b.WriteString("- Single statement only. SELECT only. No DDL/DML/PRAGMA.\n")
	fmt.Fprintf(&b, "- Always include LIMIT <= %d unless the question asks for fewer rows.\n", maxRows)
	b.WriteString("- ts is stored as text like 2020-04-30T15:33:36.000000Z; use strftime/date for periods.\n")
	b.WriteString("- Do NOT invent table names.\n\n")
	b.WriteString("Columns in t:\n")
	b.WriteString(schema)
	b.WriteString("\nQUESTION:\n")
	b.WriteString(question)
	b.WriteString("\n\nReturn JSON only:\n")
	b.WriteString(`{"sql": "SELECT ... FROM t ...", "reason": "..."}`)
	return b.String()
}

// BuildSummaryPrompt asks for a short plain-text explanation of res.
func BuildSummaryPrompt(question string, res *Result) string {
	data, _ := json.Marshal(map[string]any{"columns": res.Columns, "rows": res.Rows})
	var b strings.Builder
	b.WriteString("You are a precise data analyst. Explain the result to a non-technical user.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Be concise and factual. No speculation.\n")
	b.WriteString("- Mention any filters or periods explicitly if present.\n")
	b.WriteString("- If the result set is empty, say so and suggest widening dates or removing filters.\n")
	b.WriteString("- Do NOT invent numbers.\n\n")
	fmt.Fprintf(&b, "QUESTION: %s\nSQL: %s\nRESULT JSON: %s\n", question, res.SQL, data)
	b.WriteString("Return plain text only.")
	return b.String()
}
