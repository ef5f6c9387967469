package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hurttlocker/pkmlog/internal/config"
)

var version = "0.1.0-dev"

// Global flags, accepted anywhere on the command line.
var (
	globalConfigPath string
	globalDBPath     string
	globalVerbose    bool
	globalPretty     bool
	globalSets       []string
)

// usageError makes run exit with status 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args = parseGlobalFlags(args)
	logOut = stderr

	if len(args) == 0 {
		printUsage(stdout)
		return 0
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "load":
		err = runLoad(rest, stdout)
	case "ingest-dir":
		err = runIngestDir(rest, stdout)
	case "show":
		err = runShow(rest, stdout)
	case "stats":
		err = runStats(rest, stdout)
	case "query":
		err = runQuery(rest, stdout)
	case "ask":
		err = runAsk(rest, stdout)
	case "reset":
		err = runReset(rest, stdout)
	case "mcp":
		err = runMCP(rest)
	case "config":
		err = runConfig(rest, stdout)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "pkmlog %s\n", version)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

// parseGlobalFlags extracts the global flags and returns the remaining
// arguments in order.
func parseGlobalFlags(args []string) []string {
	globalConfigPath = ""
	globalDBPath = ""
	globalVerbose = false
	globalPretty = false
	globalSets = nil

	var filtered []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			i++
			globalConfigPath = args[i]
		case strings.HasPrefix(args[i], "--config="):
			globalConfigPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--db" && i+1 < len(args):
			i++
			globalDBPath = args[i]
		case strings.HasPrefix(args[i], "--db="):
			globalDBPath = strings.TrimPrefix(args[i], "--db=")
		case args[i] == "--set" && i+1 < len(args):
			i++
			globalSets = append(globalSets, args[i])
		case strings.HasPrefix(args[i], "--set="):
			globalSets = append(globalSets, strings.TrimPrefix(args[i], "--set="))
		case args[i] == "--verbose":
			globalVerbose = true
		case args[i] == "--pretty":
			globalPretty = true
		default:
			filtered = append(filtered, args[i])
		}
	}
	return filtered
}

// globalOverrides turns the global flags into config overrides.
func globalOverrides() (overrides, error) {
	o := overrides{}
	if globalDBPath != "" {
		o.set("target.db_path", globalDBPath, "--db")
	}
	if globalVerbose {
		o.set("log.level", "debug", "--verbose")
	}
	if globalPretty {
		o.set("log.pretty", "true", "--pretty")
	}
	for _, kv := range globalSets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, usagef("--set wants key=value, got %q", kv)
		}
		o.set(strings.TrimSpace(k), v, "--set")
	}
	return o, nil
}

type overrides map[string]config.ResolvedValue

func (o overrides) set(key, value, flag string) {
	o[key] = config.ResolvedValue{Value: value, Source: config.SourceCLI, From: flag}
}

// flagValue matches "--name value" and "--name=value" at args[*i],
// advancing *i past a separate value.
func flagValue(args []string, i *int, name string) (string, bool) {
	a := args[*i]
	if a == name && *i+1 < len(args) {
		*i++
		return args[*i], true
	}
	if strings.HasPrefix(a, name+"=") {
		return strings.TrimPrefix(a, name+"="), true
	}
	return "", false
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `pkmlog %s - PKM audit-log ingestion and query

Usage:
  pkmlog [global flags] <command> [arguments]

Commands:
  load <path|s3://...>   Load one export (.csv, .csv.gz, .csv.zst)
  ingest-dir             Load every file in the inbox directory
  show                   Print the most recent rows as JSON lines
  stats                  Show table and run statistics
  query "<sql>"          Run one read-only SELECT (table alias t)
  ask "<question>"       Answer a question using the configured LLM
  reset --yes            Delete every row of the table
  mcp                    Serve the MCP tools over stdio
  config                 Print the resolved configuration and its sources
  version                Print version

Load Flags:
  --truncate             Replace the table contents in the same transaction
  --max-records N        Stop after N records
  --min-ok-ratio F       Minimum accepted ratio, 0 disables the check
  --llm provider/model   Fallback provider (ollama, openai, openrouter, google, custom)
  --no-fallback          Never call the LLM fallback
  --require-fallback     Fail unless the fallback provider answers a probe
  --report PATH          Reject report path
  --upload-rejects URI   Upload the reject report to s3://bucket/prefix/
  --count-dropped-tail   Count an unterminated final record as rejected
  --json                 Print the result as JSON

Global Flags:
  --config PATH          Adapter file (default %s, env PKMLOG_CONFIG)
  --db PATH              Database path
  --set key=value        Override any config key, e.g. --set ingest.reject_sample=50
  --verbose              Debug logging
  --pretty               Human-readable log output
`, version, config.DefaultConfigPath)
}
