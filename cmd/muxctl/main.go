package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// Exit codes for one-shot invocations. Shell scripts branch on these to
// distinguish routing outcomes from plain request failures.
const (
	exitUsage          = 1
	exitShortCircuited = 3
	exitNoProvider     = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("muxctl %s\n", version)
	case "complete":
		doComplete(args)
	case "stream":
		doStream(args)
	case "auto-select":
		doAutoSelect(args)
	case "health":
		doHealth()
	case "provider", "providers":
		doProviders(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `muxctl - CLI for the modelmux API

Usage: muxctl <command> [arguments]

Environment:
  MODELMUX_URL          Base URL (default: http://localhost:8080)

Commands:
  complete <prompt> [flags]    Run a completion and print the fused answer
  stream <prompt> [flags]      Stream a completion token by token
  auto-select <prompt> [flags] Show the ranking without dispatching

  provider list                List catalog providers
  provider add <json>          Create or update a provider
  provider delete <id>         Delete a provider

  health                       Show provider and endpoint health

  version                      Show version
  help                         Show this help

Flags for complete/stream/auto-select:
  --providers a,b,c      Restrict to these provider IDs
  --caps x,y             Required capabilities
  --prefer-speed         Bias ranking toward low latency
  --prefer-cost          Bias ranking toward low cost
  --prefer-quality       Bias ranking toward quality priors
  --max-tokens N         Token cap for the completion
  --timeout-ms N         Overall deadline in milliseconds

Exit codes:
  0  success
  1  usage or request error
  3  every candidate provider was short-circuited
  4  no provider matched the request

Examples:
  muxctl complete "summarize the attached log" --prefer-cost
  muxctl stream "write a haiku about queues"
  muxctl auto-select "translate this to French" --caps translation
  muxctl provider add '{"id":"local-llm","name":"Local","endpoints":[{"id":"ep1","url":"http://localhost:9000/v1/invoke"}],"models":[{"id":"llm-7b","provider_id":"local-llm"}],"capabilities":["general_chat"],"enabled":true}'
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("MODELMUX_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitUsage)
	}
}

// errorKind extracts the structured error kind from a modelmux error body.
func errorKind(data []byte) string {
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	return body.Error.Kind
}

// exitForKind maps routing error kinds to their dedicated exit codes.
func exitForKind(kind string) int {
	switch kind {
	case "short_circuited":
		return exitShortCircuited
	case "no_eligible_provider":
		return exitNoProvider
	default:
		return exitUsage
	}
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(exitForKind(errorKind(data)))
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

// --- Request building ---

// buildRequest turns "prompt --flag value" argument lists into the JSON
// body shared by complete, stream, and auto-select.
func buildRequest(args []string, cmdUsage string) map[string]any {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintf(os.Stderr, "usage: muxctl %s\n", cmdUsage)
		os.Exit(exitUsage)
	}
	req := map[string]any{"prompt": args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--providers":
			i++
			req["providers"] = splitCSV(argAt(rest, i, "--providers"))
		case "--caps":
			i++
			req["required_capabilities"] = splitCSV(argAt(rest, i, "--caps"))
		case "--prefer-speed":
			req["prefer_speed"] = true
		case "--prefer-cost":
			req["prefer_cost"] = true
		case "--prefer-quality":
			req["prefer_quality"] = true
		case "--max-tokens":
			i++
			req["max_tokens"] = mustInt(argAt(rest, i, "--max-tokens"))
		case "--timeout-ms":
			i++
			req["timeout_ms"] = mustInt(argAt(rest, i, "--timeout-ms"))
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(exitUsage)
		}
	}
	return req
}

func argAt(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(exitUsage)
	}
	return args[i]
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "expected a number, got %q\n", s)
		os.Exit(exitUsage)
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func postJSON(path string, body map[string]any) map[string]any {
	blob, err := json.Marshal(body)
	fatal(err)
	resp, err := doRequest("POST", path, strings.NewReader(string(blob)))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

// --- Commands ---

func doComplete(args []string) {
	req := buildRequest(args, "complete <prompt> [flags]")
	result := postJSON("/v1/complete", req)

	text, _ := result["text"].(string)
	fmt.Println(text)

	if contribs, ok := result["contributions"].(map[string]any); ok && len(contribs) > 1 {
		fmt.Fprintln(os.Stderr)
		tw := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PROVIDER\tWEIGHT")
		for pid, weight := range contribs {
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", pid, fmtNum(weight))
		}
		_ = tw.Flush()
	}
}

func doStream(args []string) {
	req := buildRequest(args, "stream <prompt> [flags]")
	blob, err := json.Marshal(req)
	fatal(err)
	resp, err := doRequest("POST", "/v1/stream", strings.NewReader(string(blob)))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(exitForKind(errorKind(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "token":
				var tok struct {
					Text string `json:"text"`
				}
				if json.Unmarshal([]byte(payload), &tok) == nil {
					fmt.Print(tok.Text)
				}
			case "end":
				fmt.Println()
				return
			case "error":
				var e struct {
					Kind    string `json:"kind"`
					Message string `json:"message"`
				}
				_ = json.Unmarshal([]byte(payload), &e)
				fmt.Fprintf(os.Stderr, "\nstream error (%s): %s\n", e.Kind, e.Message)
				os.Exit(exitForKind(e.Kind))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "\nstream read error: %v\n", err)
		os.Exit(exitUsage)
	}
}

func doAutoSelect(args []string) {
	req := buildRequest(args, "auto-select <prompt> [flags]")
	result := postJSON("/v1/auto-select", req)

	intent, _ := result["intent"].(string)
	fmt.Printf("Intent:     %s (confidence %s)\n", intent, fmtNum(result["confidence"]))
	if caps, ok := result["required_capabilities"].([]any); ok && len(caps) > 0 {
		strs := make([]string, 0, len(caps))
		for _, c := range caps {
			if s, ok := c.(string); ok {
				strs = append(strs, s)
			}
		}
		fmt.Printf("Caps:       %s\n", strings.Join(strs, ", "))
	}

	rankings := []any{}
	if sel, ok := result["selected"].(map[string]any); ok {
		rankings = append(rankings, sel)
	}
	if alts, ok := result["alternates"].([]any); ok {
		rankings = append(rankings, alts...)
	}
	if len(rankings) == 0 {
		fmt.Println("No candidates.")
		return
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tMODEL\tSCORE\tREASON")
	for _, r := range rankings {
		m, _ := r.(map[string]any)
		pid, _ := m["provider_id"].(string)
		mid, _ := m["model_id"].(string)
		reason, _ := m["reason"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", pid, mid, fmtNum(m["score"]), reason)
	}
	_ = tw.Flush()
}

func doHealth() {
	resp, err := doRequest("GET", "/v1/health", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	data := readJSON(resp)

	providers, _ := data["providers"].([]any)
	if len(providers) == 0 {
		fmt.Println("No providers registered.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tENABLED\tCIRCUIT\tHEALTH")
	for _, p := range providers {
		m, _ := p.(map[string]any)
		id, _ := m["id"].(string)
		circuit, _ := m["circuit"].(string)
		enabled := "yes"
		if m["enabled"] == false {
			enabled = "no"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, enabled, circuit, fmtNum(m["health_score"]))
	}
	_ = tw.Flush()

	if endpoints, ok := data["endpoints"].([]any); ok && len(endpoints) > 0 {
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PROVIDER\tENDPOINT\tHEALTHY\tIN-FLIGHT\tAVG LATENCY")
		for _, e := range endpoints {
			m, _ := e.(map[string]any)
			pid, _ := m["provider"].(string)
			eid, _ := m["endpoint"].(string)
			healthy := "yes"
			if m["healthy"] == false {
				healthy = "no"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", pid, eid, healthy, fmtNum(m["in_flight"]), fmtDuration(m["avg_latency_ms"]))
		}
		_ = tw.Flush()
	}
}

func doProviders(args []string) {
	if len(args) == 0 || args[0] == "list" {
		resp, err := doRequest("GET", "/admin/v1/providers", nil)
		fatal(err)
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		fatal(err)
		if resp.StatusCode >= 400 {
			fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
			os.Exit(exitUsage)
		}
		var providers []map[string]any
		fatal(json.Unmarshal(data, &providers))
		if len(providers) == 0 {
			fmt.Println("No providers registered.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tMODELS\tENDPOINTS\tCOST $/1K\tP95\tENABLED")
		for _, p := range providers {
			id, _ := p["id"].(string)
			name, _ := p["name"].(string)
			models, _ := p["models"].([]any)
			endpoints, _ := p["endpoints"].([]any)
			enabled := "yes"
			if p["enabled"] == false {
				enabled = "no"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				id, name, len(models), len(endpoints),
				fmtCost(p["cost_per_1k"]), fmtDuration(p["p95_latency_ms"]), enabled)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: muxctl provider add <json>")
			os.Exit(exitUsage)
		}
		resp, err := doRequest("POST", "/admin/v1/providers", strings.NewReader(args[1]))
		fatal(err)
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
			os.Exit(exitUsage)
		}
		fmt.Println("Provider saved.")
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: muxctl provider delete <id>")
			os.Exit(exitUsage)
		}
		resp, err := doRequest("DELETE", "/admin/v1/providers/"+args[1], nil)
		fatal(err)
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
			os.Exit(exitUsage)
		}
		fmt.Println("Provider deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown provider command: %s\n", args[0])
		os.Exit(exitUsage)
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func init() {
	http.DefaultClient.Timeout = 5 * time.Minute
}
