package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// csvFields is the flattened column set for CSV export.
var csvFields = []string{
	"created_at",
	"event",
	"action",
	"request_id",
	"agent_id",
	"decision_hash",
	"policy_id",
	"policy_hash",
	"decision_effect",
	"outcome_status",
	"reason",
	"reason_code",
}

// runExportCmd implements `sudogate export`: dump every ledger entry in the
// requested format. Export reads the raw file and does not verify the chain;
// use `sudogate verify` for that.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		format     string
		outputPath string
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&format, "format", "ndjson", "Output format: json, ndjson, or csv")
	cmd.StringVar(&outputPath, "output", "", "Output file path (default stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadCLIConfig(configPath, stderr)
	if !ok {
		return 2
	}
	ledgerPath, ok := resolveLedgerPath(cmd, cfg, stderr)
	if !ok {
		return 2
	}

	return emitEntries(ledgerPath, format, outputPath, stdout, stderr, nil)
}

// runFilterCmd implements `sudogate filter`: export only the entries matching
// exact-field and time-window predicates.
func runFilterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("filter", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		requestID  string
		action     string
		agentID    string
		start      string
		end        string
		format     string
		outputPath string
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&requestID, "request-id", "", "Filter by request_id")
	cmd.StringVar(&action, "action", "", "Filter by action")
	cmd.StringVar(&agentID, "agent-id", "", "Filter by agent_id")
	cmd.StringVar(&start, "start", "", "Keep entries at or after this timestamp (UTC)")
	cmd.StringVar(&end, "end", "", "Keep entries at or before this timestamp (UTC)")
	cmd.StringVar(&format, "format", "ndjson", "Output format: json, ndjson, or csv")
	cmd.StringVar(&outputPath, "output", "", "Output file path (default stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadCLIConfig(configPath, stderr)
	if !ok {
		return 2
	}
	ledgerPath, ok := resolveLedgerPath(cmd, cfg, stderr)
	if !ok {
		return 2
	}

	window, code := parseWindow(start, end, stderr)
	if code != 0 {
		return code
	}

	keep := func(entry map[string]any) bool {
		if requestID != "" && entry["request_id"] != requestID {
			return false
		}
		if action != "" && entry["action"] != action {
			return false
		}
		if agentID != "" && entry["agent_id"] != agentID {
			return false
		}
		return window.contains(entry)
	}
	return emitEntries(ledgerPath, format, outputPath, stdout, stderr, keep)
}

// runSearchCmd implements `sudogate search`: case-insensitive substring match
// over request_id, action, and agent_id, optionally windowed by time.
func runSearchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("search", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		query      string
		start      string
		end        string
		format     string
		outputPath string
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&query, "query", "", "Search query (REQUIRED)")
	cmd.StringVar(&start, "start", "", "Keep entries at or after this timestamp (UTC)")
	cmd.StringVar(&end, "end", "", "Keep entries at or before this timestamp (UTC)")
	cmd.StringVar(&format, "format", "ndjson", "Output format: json, ndjson, or csv")
	cmd.StringVar(&outputPath, "output", "", "Output file path (default stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if query == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --query is required")
		return 2
	}
	cfg, ok := loadCLIConfig(configPath, stderr)
	if !ok {
		return 2
	}
	ledgerPath, ok := resolveLedgerPath(cmd, cfg, stderr)
	if !ok {
		return 2
	}

	window, code := parseWindow(start, end, stderr)
	if code != 0 {
		return code
	}

	needle := strings.ToLower(query)
	keep := func(entry map[string]any) bool {
		if !window.contains(entry) {
			return false
		}
		for _, key := range []string{"request_id", "action", "agent_id"} {
			if value, ok := entry[key].(string); ok && strings.Contains(strings.ToLower(value), needle) {
				return true
			}
		}
		return false
	}
	return emitEntries(ledgerPath, format, outputPath, stdout, stderr, keep)
}

type timeWindow struct {
	start *time.Time
	end   *time.Time
}

func (w timeWindow) contains(entry map[string]any) bool {
	if w.start == nil && w.end == nil {
		return true
	}
	createdAt, ok := entry["created_at"].(string)
	if !ok {
		return false
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return false
	}
	if w.start != nil && ts.Before(*w.start) {
		return false
	}
	if w.end != nil && ts.After(*w.end) {
		return false
	}
	return true
}

func parseWindow(start, end string, stderr io.Writer) (timeWindow, int) {
	var window timeWindow
	if start != "" {
		ts, err := parseTimestamp(start)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Error: invalid --start timestamp")
			return window, 2
		}
		window.start = &ts
	}
	if end != "" {
		ts, err := parseTimestamp(end)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Error: invalid --end timestamp")
			return window, 2
		}
		window.end = &ts
	}
	if window.start != nil && window.end != nil && window.start.After(*window.end) {
		_, _ = fmt.Fprintln(stderr, "Error: --start must be <= --end")
		return window, 2
	}
	return window, 0
}

// parseTimestamp accepts RFC 3339 timestamps and naive ones without a zone,
// which are taken as UTC.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// emitEntries streams the ledger file through the keep predicate (nil keeps
// everything) into the requested format.
func emitEntries(ledgerPath, format, outputPath string, stdout, stderr io.Writer, keep func(map[string]any) bool) int {
	f, err := os.Open(ledgerPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	out := stdout
	if outputPath != "" {
		dest, err := os.Create(outputPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer func() { _ = dest.Close() }()
		out = dest
	}

	write, finish, err := newEntryWriter(out, format)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	decoder := json.NewDecoder(bufio.NewReader(f))
	decoder.UseNumber()
	for {
		var entry map[string]any
		if err := decoder.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: malformed ledger line: %v\n", err)
			return 1
		}
		if keep != nil && !keep(entry) {
			continue
		}
		if err := write(entry); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := finish(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// newEntryWriter returns a per-entry write function and a finish function for
// the chosen format. JSON output is streamed as one array without buffering
// the whole ledger.
func newEntryWriter(out io.Writer, format string) (func(map[string]any) error, func() error, error) {
	switch format {
	case "ndjson":
		encode := func(entry map[string]any) error {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(data))
			return err
		}
		return encode, func() error { return nil }, nil
	case "json":
		first := true
		encode := func(entry map[string]any) error {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if !first {
				if _, err := io.WriteString(out, ","); err != nil {
					return err
				}
			} else {
				if _, err := io.WriteString(out, "["); err != nil {
					return err
				}
				first = false
			}
			_, err = out.Write(data)
			return err
		}
		finish := func() error {
			if first {
				_, err := io.WriteString(out, "[]\n")
				return err
			}
			_, err := io.WriteString(out, "]\n")
			return err
		}
		return encode, finish, nil
	case "csv":
		writer := csv.NewWriter(out)
		if err := writer.Write(csvFields); err != nil {
			return nil, nil, err
		}
		encode := func(entry map[string]any) error {
			return writer.Write(flattenEntry(entry))
		}
		finish := func() error {
			writer.Flush()
			return writer.Error()
		}
		return encode, finish, nil
	default:
		return nil, nil, fmt.Errorf("unknown format %q", format)
	}
}

func flattenEntry(entry map[string]any) []string {
	decision, _ := entry["decision"].(map[string]any)
	outcome, _ := entry["outcome"].(map[string]any)
	return []string{
		stringify(entry["created_at"]),
		stringify(entry["event"]),
		stringify(entry["action"]),
		stringify(entry["request_id"]),
		stringify(entry["agent_id"]),
		stringify(decision["decision_hash"]),
		stringify(decision["policy_id"]),
		stringify(decision["policy_hash"]),
		stringify(decision["effect"]),
		stringify(outcome["status"]),
		stringify(decision["reason"]),
		stringify(decision["reason_code"]),
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
