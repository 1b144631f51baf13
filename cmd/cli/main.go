package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	language   string
	inputArg   string
	entrypoint string
	memoryMB   int64
	timeout    time.Duration
	noTrace    bool
	watchAfter bool

	algorithmID string
	sizes       []int
	trials      int
	seed        uint64

	withSteps   bool
	filterState string
	filterKind  string
	history     bool
	listLimit   int
)

func main() {
	root := &cobra.Command{
		Use:          "algo-cli",
		Short:        "CLI client for algo-trace-engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("ALGO_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ALGO_API_KEY"), "API key")

	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Run code once with step tracing (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVarP(&language, "language", "l", "", "Language (python, node); detected from the file extension")
	submitCmd.Flags().StringVarP(&inputArg, "input", "i", "null", "Input JSON, or @file to read it from a file")
	submitCmd.Flags().StringVarP(&entrypoint, "entrypoint", "e", "", "Function to call (default: first top-level function)")
	submitCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (0 uses the server default)")
	submitCmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock limit (0 uses the server default)")
	submitCmd.Flags().BoolVar(&noTrace, "no-trace", false, "Disable step tracing")
	submitCmd.Flags().BoolVarP(&watchAfter, "watch", "w", false, "Stream events after submitting")
	root.AddCommand(submitCmd)

	benchCmd := &cobra.Command{
		Use:   "benchmark [file]",
		Short: "Benchmark code over increasing input sizes and fit its complexity",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBenchmark,
	}
	benchCmd.Flags().StringVarP(&language, "language", "l", "", "Language (python, node); detected from the file extension")
	benchCmd.Flags().StringVarP(&algorithmID, "algorithm", "a", "", "Algorithm id selecting the input generator (two_sum, binary_search, sort, ...)")
	benchCmd.Flags().StringVarP(&entrypoint, "entrypoint", "e", "", "Function to call")
	benchCmd.Flags().IntSliceVar(&sizes, "sizes", nil, "Input sizes (default: server ladder)")
	benchCmd.Flags().IntVar(&trials, "trials", 0, "Trials per size (0 uses the server default)")
	benchCmd.Flags().Uint64Var(&seed, "seed", 0, "Generator seed")
	benchCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit per trial in MB")
	benchCmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock limit per trial")
	benchCmd.Flags().BoolVarP(&watchAfter, "watch", "w", false, "Stream events after submitting")
	root.AddCommand(benchCmd)

	statusCmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&withSteps, "steps", false, "Include retained steps")
	root.AddCommand(statusCmd)

	root.AddCommand(&cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a pending or running session",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream a session's events over WebSocket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), args[0])
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&filterState, "state", "", "Filter by state (pending, running, completed, failed, timed_out, cancelled)")
	listCmd.Flags().StringVar(&filterKind, "kind", "", "Filter by kind (execution, benchmark)")
	listCmd.Flags().BoolVar(&history, "history", false, "List archived sessions from the history store")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum sessions to list")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// readCode loads code from args[0] or stdin and detects the language from
// the file extension when --language is unset.
func readCode(args []string) (string, error) {
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if language == "" {
			language = "python"
		}
		return string(data), nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	if language == "" {
		switch ext := filepath.Ext(args[0]); ext {
		case ".py":
			language = "python"
		case ".js", ".mjs", ".cjs":
			language = "node"
		default:
			return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}
	return string(data), nil
}

func readInput() (json.RawMessage, error) {
	raw := []byte(inputArg)
	if strings.HasPrefix(inputArg, "@") {
		data, err := os.ReadFile(inputArg[1:])
		if err != nil {
			return nil, fmt.Errorf("reading input file: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func limits() map[string]any {
	l := map[string]any{}
	if memoryMB > 0 {
		l["max_memory_bytes"] = memoryMB << 20
	}
	if timeout > 0 {
		l["max_duration_ms"] = timeout.Milliseconds()
	}
	return l
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Warnings  []struct {
		Pattern  string `json:"pattern"`
		Severity string `json:"severity"`
		Detail   string `json:"detail"`
	} `json:"warnings"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}
	input, err := readInput()
	if err != nil {
		return err
	}

	payload := map[string]any{
		"code":       code,
		"language":   language,
		"input":      input,
		"entrypoint": entrypoint,
		"limits":     limits(),
		"trace":      !noTrace,
	}
	return submitAndMaybeWatch(cmd, "/v1/sessions", payload)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"code":         code,
		"language":     language,
		"algorithm_id": algorithmID,
		"entrypoint":   entrypoint,
		"sizes":        sizes,
		"trial_count":  trials,
		"seed":         seed,
		"limits":       limits(),
	}
	return submitAndMaybeWatch(cmd, "/v1/benchmarks", payload)
}

func submitAndMaybeWatch(cmd *cobra.Command, path string, payload map[string]any) error {
	var sr submitResponse
	if err := call(http.MethodPost, path, payload, &sr); err != nil {
		return err
	}

	fmt.Printf("%s %s (%s)\n", labelStyle.Render("session"), sr.SessionID, sr.State)
	for _, w := range sr.Warnings {
		fmt.Println(warnStyle.Render(fmt.Sprintf("warning [%s] %s: %s", w.Severity, w.Pattern, w.Detail)))
	}

	if !watchAfter {
		return nil
	}
	return watch(cmd.Context(), sr.SessionID)
}

func runStatus(_ *cobra.Command, args []string) error {
	path := "/v1/sessions/" + url.PathEscape(args[0])
	if withSteps {
		path += "?steps=true"
	}
	var snap json.RawMessage
	if err := call(http.MethodGet, path, nil, &snap); err != nil {
		return err
	}
	return printJSON(snap)
}

func runCancel(_ *cobra.Command, args []string) error {
	var snap json.RawMessage
	if err := call(http.MethodDelete, "/v1/sessions/"+url.PathEscape(args[0]), nil, &snap); err != nil {
		return err
	}
	return printJSON(snap)
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if filterState != "" {
		q.Set("state", filterState)
	}
	if filterKind != "" {
		q.Set("kind", filterKind)
	}
	if history {
		q.Set("history", "true")
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}

	path := "/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list sessionList
	if err := call(http.MethodGet, path, nil, &list); err != nil {
		return err
	}
	printSessions(list)
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	var result json.RawMessage
	if err := call(http.MethodGet, "/health", nil, &result); err != nil {
		return err
	}
	return printJSON(result)
}

type apiError struct {
	Status  int
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

// call sends a JSON request and decodes the JSON response into out.
func call(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}
