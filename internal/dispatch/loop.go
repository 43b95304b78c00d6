package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relayforge/mcprunner/internal/evidence"
	"github.com/relayforge/mcprunner/internal/llmprovider"
	"github.com/relayforge/mcprunner/internal/redact"
	"github.com/relayforge/mcprunner/internal/registry"
	"github.com/relayforge/mcprunner/internal/runerror"
	"github.com/relayforge/mcprunner/internal/stdiorpc"
	"github.com/relayforge/mcprunner/internal/util"
)

// previewContent caps a model response before it is written to the evidence
// log, so one runaway completion doesn't dominate events.jsonl; the full
// text still flows through the in-memory message history untouched.
func previewContent(content string, maxRunes int) string {
	return util.TruncateRunes(content, maxRunes)
}

const maxBadOutputs = 5

// secretSource is implemented by providers that hold long-lived credentials
// the evidence log must never leak; dispatch redacts against whatever it
// returns, in addition to the fixed bearer-token regex.
type secretSource interface {
	Secrets() []string
}

// rotatingProvider is implemented by providers that can rotate credentials
// mid-chat and want each rotation recorded as an openai_oauth.rotate event.
type rotatingProvider interface {
	ChatWithEvents(ctx context.Context, messages []llmprovider.Message, onRotate func(llmprovider.RotateEvent)) (*llmprovider.ChatResponse, []string, error)
}

// chatStep calls the provider once, routing through ChatWithEvents and
// logging an openai_oauth.rotate event per rotation when the provider
// supports it, falling back to a plain Chat call otherwise.
func chatStep(ctx context.Context, p llmprovider.Provider, messages []llmprovider.Message, log *evidence.Log) (*llmprovider.ChatResponse, error) {
	rp, ok := p.(rotatingProvider)
	if !ok {
		return p.Chat(ctx, messages)
	}
	resp, _, err := rp.ChatWithEvents(ctx, messages, func(e llmprovider.RotateEvent) {
		log.Append("openai_oauth.rotate", map[string]any{
			"fromProfile":       e.FromProfile,
			"reason":            e.Reason,
			"status":            e.Status,
			"retryAfterMs":      e.RetryAfterMs,
			"attempt":           e.Attempt,
			"attemptedProfiles": e.AttemptedProfiles,
		})
	})
	return resp, err
}

// Summary is the dispatch run's terminal report, written out as summary.json
// alongside the evidence log.
type Summary struct {
	RunID             string   `json:"runId"`
	RunDir            string   `json:"runDir"`
	WorkflowID        string   `json:"workflowId,omitempty"`
	DiscoveredServers []string `json:"discoveredServers"`
	DiscoveredTools   []string `json:"discoveredTools"`
	ToolCallsSeen     []string `json:"toolCallsSeen"`
	ErrorKind         string   `json:"errorKind,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Runner drives one dispatch run end to end.
type Runner struct {
	cfg      *Config
	provider llmprovider.Provider
	script   *Script
	runDir   string
	runID    string
	registryFilePath string
	workflowsDir     string
}

// NewRunner builds a Runner for one run, computing a fresh run directory
// under cfg.StateDir/runs.
func NewRunner(cfg *Config, provider llmprovider.Provider, script *Script, runID string) *Runner {
	runDir := filepath.Join(cfg.StateDir, "runs", runID)
	return &Runner{
		cfg:              cfg,
		provider:         provider,
		script:           script,
		runDir:           runDir,
		runID:            runID,
		registryFilePath: filepath.Join(cfg.StateDir, "registry", "mcp.json"),
		workflowsDir:     filepath.Join(cfg.StateDir, "workflows"),
	}
}

// Run executes the loop and returns a populated Summary for every failure
// inside the run — callers decide the process exit code from
// Summary.ErrorKind. Only a failure to create the run directory or open the
// evidence log returns a nil Summary and a config-kind *runerror.RunError.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if err := os.MkdirAll(r.runDir, 0o755); err != nil {
		return nil, runerror.New(runerror.KindConfig, fmt.Errorf("create run directory: %w", err))
	}

	log, err := evidence.Open(filepath.Join(r.runDir, "events.jsonl"), r.cfg.EvidenceMaxBytes)
	if err != nil {
		return nil, runerror.New(runerror.KindConfig, err)
	}
	defer log.Close()

	secrets := providerSecrets(r.provider)

	summary := &Summary{RunID: r.runID, RunDir: r.runDir}

	clients := map[string]*stdiorpc.Client{}
	defer func() {
		for _, c := range clients {
			c.Stop()
		}
	}()

	registryClient := &stdiorpc.Client{Command: r.cfg.RegistryCommand, Cwd: r.cfg.RegistryCwd}
	clients[registryServerName] = registryClient

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err = stdiorpc.Initialize(initCtx, registryClient)
	cancel()
	if err != nil {
		summary.ErrorKind = string(runerror.KindSubprocess)
		summary.Error = err.Error()
		log.Append("run.error", map[string]any{"error": redact.Text(err.Error(), secrets)})
		return summary, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	registryTools, err := stdiorpc.ToolsList(listCtx, registryClient)
	cancel()
	if err != nil {
		summary.ErrorKind = string(runerror.KindSubprocess)
		summary.Error = err.Error()
		log.Append("run.error", map[string]any{"error": redact.Text(err.Error(), secrets)})
		return summary, nil
	}
	registryToolNames := make([]string, 0, len(registryTools))
	for _, t := range registryTools {
		registryToolNames = append(registryToolNames, t.Name)
	}

	messages := r.initialMessages(registryToolNames)
	log.Append("run.start", map[string]any{"runId": r.runID})

	doctor := r.provider.Doctor(ctx)
	log.Append("provider.doctor", map[string]any{
		"ok":     doctor.OK,
		"mode":   doctor.Mode,
		"detail": redact.Value(doctor.Detail, secrets),
	})

	toolToServer := map[string]string{}
	var discoveredServers, discoveredTools []string
	var currentWorkflowID string
	var toolCallsSeen []string
	badOutputs := 0
	expectedIndex := 0

	runErr := func() error {
		for step := 0; step < r.cfg.MaxSteps; step++ {
			log.Append("llm.request", map[string]any{
				"step":     step,
				"messages": redact.Value(messagesToAny(messages), secrets),
			})

			resp, err := chatStep(ctx, r.provider, messages, log)
			if err != nil {
				if re, ok := err.(*runerror.RunError); ok {
					return re
				}
				return runerror.New(runerror.KindHTTP, err)
			}
			content := resp.OutputText
			if content == "" {
				content = r.provider.ExtractText(resp.Raw)
			}
			contentRedacted := redact.Text(content, secrets)
			log.Append("llm.response", map[string]any{"step": step, "content": previewContent(contentRedacted, r.cfg.LogPreviewRunes)})

			call, perr := parseToolJSON(content)
			if perr != nil {
				log.Append("llm.parse_error", map[string]any{"error": perr.Error(), "content": previewContent(contentRedacted, r.cfg.LogPreviewRunes)})
				badOutputs++
				if badOutputs >= maxBadOutputs {
					return runerror.New(runerror.KindParse, fmt.Errorf("model output was not parseable JSON too many times"))
				}
				nextRequired := "workbench.workflow.status"
				if expectedIndex < len(r.script.Steps) {
					nextRequired = r.script.Steps[expectedIndex]
				}
				messages = append(messages, llmprovider.Message{Role: "assistant", Content: contentRedacted})
				messages = append(messages, llmprovider.Message{Role: "user", Content: fmt.Sprintf(
					"Output ONLY a single-line JSON tool call. No prose.\nExample: {\"tool\":%q,\"arguments\":{...}}", nextRequired)})
				continue
			}

			if final, ok := call["final"]; ok {
				if expectedIndex < len(r.script.Steps) {
					badOutputs++
					if badOutputs >= maxBadOutputs {
						return runerror.New(runerror.KindParse, fmt.Errorf("model tried to finish early too many times; next required tool is %s", r.script.Steps[expectedIndex]))
					}
					messages = append(messages, llmprovider.Message{Role: "assistant", Content: contentRedacted})
					messages = append(messages, llmprovider.Message{Role: "user", Content: fmt.Sprintf(
						"Do NOT finish yet. Next required tool is %s. Output ONLY the tool-call JSON.", r.script.Steps[expectedIndex])})
					continue
				}
				log.Append("run.final", map[string]any{"final": final})
				return nil
			}

			tool, _ := call["tool"].(string)
			var arguments any = call["arguments"]
			if tool == "" {
				return runerror.New(runerror.KindParse, fmt.Errorf("invalid tool call: %v", call))
			}

			if expectedIndex < len(r.script.Steps) && tool != r.script.Steps[expectedIndex] {
				log.Append("tool.rejected", map[string]any{"tool": tool, "expected": r.script.Steps[expectedIndex]})
				badOutputs++
				if badOutputs >= maxBadOutputs {
					return runerror.New(runerror.KindToolMismatch, fmt.Errorf(
						"model called the wrong tool too many times; next required tool is %s", r.script.Steps[expectedIndex]))
				}
				messages = append(messages, llmprovider.Message{Role: "assistant", Content: content})
				messages = append(messages, llmprovider.Message{Role: "user", Content: fmt.Sprintf(
					"Incorrect tool. Next required tool is %s. Output ONLY the tool-call JSON.", r.script.Steps[expectedIndex])})
				continue
			}

			if tool == registryScanTool {
				started := time.Now()
				rawResp, meta, callErr := registryClient.RequestWithMeta(ctx, "tools/call", map[string]any{"name": tool, "arguments": arguments})
				toolCallsSeen = append(toolCallsSeen, tool)
				expectedIndex = minInt(expectedIndex+1, len(r.script.Steps))
				r.logToolCall(log, tool, registryServerName, arguments, rawResp, meta, callErr, started, currentWorkflowID, secrets)
				if callErr != nil {
					return runerror.New(runerror.KindSubprocess, callErr)
				}

				if err := r.persistRegistryScan(ctx); err != nil {
					return runerror.New(runerror.KindSubprocess, err)
				}
				regFile, err := registry.LoadFile(r.registryFilePath)
				if err != nil {
					return runerror.New(runerror.KindSubprocess, err)
				}
				toolToServer = regFile.ToolServerMap()
				discoveredServers, discoveredTools = serversAndTools(toolToServer)
				log.Append("registry.loaded", map[string]any{"servers": discoveredServers, "tools": discoveredTools})

				messages = append(messages, llmprovider.Message{Role: "assistant", Content: content})
				messages = append(messages, llmprovider.Message{Role: "user", Content: fmt.Sprintf("Tool result for %s: %s", tool, string(rawResp))})
				messages = append(messages, llmprovider.Message{Role: "user", Content: "Discovered tools: " + strings.Join(discoveredTools, ", ")})
				continue
			}

			if len(toolToServer) == 0 {
				return runerror.New(runerror.KindToolMismatch, fmt.Errorf("no tools discovered yet; the model must call %s first", registryScanTool))
			}

			serverName, ok := toolToServer[tool]
			if !ok {
				return runerror.New(runerror.KindToolMismatch, fmt.Errorf("tool %q not found in registry mapping", tool))
			}

			client, err := r.clientForServer(ctx, clients, serverName)
			if err != nil {
				return runerror.New(runerror.KindSubprocess, err)
			}

			started := time.Now()
			rawResp, meta, callErr := client.RequestWithMeta(ctx, "tools/call", map[string]any{"name": tool, "arguments": arguments})
			toolCallsSeen = append(toolCallsSeen, tool)
			expectedIndex = minInt(expectedIndex+1, len(r.script.Steps))

			if boundID := extractBindableID(rawResp); boundID != "" {
				currentWorkflowID = boundID
			}

			r.logToolCall(log, tool, serverName, arguments, rawResp, meta, callErr, started, currentWorkflowID, secrets)
			if callErr != nil {
				return runerror.New(runerror.KindSubprocess, callErr)
			}

			messages = append(messages, llmprovider.Message{Role: "assistant", Content: content})
			messages = append(messages, llmprovider.Message{Role: "user", Content: fmt.Sprintf("Tool result for %s: %s", tool, string(rawResp))})
		}
		return runerror.New(runerror.KindTimeout, fmt.Errorf("exceeded max steps (%d) without a final answer", r.cfg.MaxSteps))
	}()

	summary.DiscoveredServers = discoveredServers
	summary.DiscoveredTools = discoveredTools
	summary.ToolCallsSeen = toolCallsSeen
	summary.WorkflowID = currentWorkflowID

	if runErr != nil {
		log.Append("run.error", map[string]any{"error": redact.Text(runErr.Error(), secrets)})
		summary.Error = redact.Text(runErr.Error(), secrets)
		if re, ok := runErr.(*runerror.RunError); ok {
			summary.ErrorKind = string(re.Kind)
		} else {
			summary.ErrorKind = "runtime"
		}
	}

	summaryPath := filepath.Join(r.runDir, "summary.json")
	if data, err := json.MarshalIndent(summary, "", "  "); err == nil {
		_ = os.WriteFile(summaryPath, append(data, '\n'), 0o644)
	}

	return summary, nil
}

func (r *Runner) initialMessages(registryToolNames []string) []llmprovider.Message {
	return []llmprovider.Message{
		{Role: "system", Content: fmt.Sprintf(
			"You are a tool-using agent.\n"+
				"When you need to call a tool, output ONLY a single-line JSON object:\n"+
				"{\"tool\":\"<tool_name>\",\"arguments\":{...}}\n"+
				"When finished, output ONLY: {\"final\":\"...\"}\n"+
				"Do not output anything else.\n"+
				"You MUST call tools to complete the scenario and MUST NOT output a final answer until all required tool calls are done.\n\n"+
				"Initial tools available: %s", strings.Join(registryToolNames, ", "))},
		{Role: "user", Content: fmt.Sprintf(
			"Use workflow id: run_%d\nRun the scripted scenario strictly in this order using tool calls:\n%s",
			time.Now().UnixMilli(), strings.Join(r.script.Steps, "\n"))},
	}
}

func (r *Runner) clientForServer(ctx context.Context, clients map[string]*stdiorpc.Client, serverName string) (*stdiorpc.Client, error) {
	if c, ok := clients[serverName]; ok {
		return c, nil
	}
	regFile, err := registry.LoadFile(r.registryFilePath)
	if err != nil {
		return nil, err
	}
	record, ok := regFile.Servers[serverName]
	if !ok {
		return nil, fmt.Errorf("server %q not present in registry", serverName)
	}
	client := &stdiorpc.Client{Command: record.Manifest.Command, Cwd: record.Manifest.Cwd}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := stdiorpc.Initialize(initCtx, client); err != nil {
		return nil, err
	}
	clients[serverName] = client
	return client, nil
}

// persistRegistryScan re-runs the local scanner so that the registry file
// reflects the servers on disk. The registry MCP tool call performs its own
// discovery server-side; this keeps our local mapping file (and therefore
// dispatch's toolToServer resolution) in sync with it.
func (r *Runner) persistRegistryScan(ctx context.Context) error {
	scanner := &registry.Scanner{ServersDir: r.cfg.ServersDir, Timeout: time.Duration(r.cfg.ScanTimeoutMs) * time.Millisecond}
	file, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	return registry.WriteFile(r.registryFilePath, file)
}

func (r *Runner) logToolCall(log *evidence.Log, tool, server string, arguments any, rawResp json.RawMessage, meta stdiorpc.Meta, callErr error, started time.Time, workflowID string, secrets []string) {
	event := map[string]any{
		"tool":        tool,
		"server":      server,
		"arguments":   arguments,
		"durationMs":  time.Since(started).Milliseconds(),
		"state":       r.snapshotState(workflowID),
	}
	if rawResp != nil {
		var parsed any
		if json.Unmarshal(rawResp, &parsed) == nil {
			event["jsonrpcResponse"] = parsed
		}
	}
	if callErr != nil {
		event["error"] = callErr.Error()
	}
	event["process"] = map[string]any{
		"pid":        meta.PID,
		"running":    meta.Running,
		"stderrTail": meta.StderrTail,
		"command":    meta.Command,
		"cwd":        meta.Cwd,
	}
	log.Append("tool.call", redact.Value(event, secrets).(map[string]any))
}

func (r *Runner) snapshotState(workflowID string) map[string]any {
	snap := map[string]any{}
	if data, err := os.ReadFile(r.registryFilePath); err == nil {
		snap["registry"] = map[string]any{"path": r.registryFilePath, "sha256": sha256Hex(data)}
	}
	if workflowID != "" {
		wfDir := filepath.Join(r.workflowsDir, workflowID)
		statusPath := filepath.Join(wfDir, "status.json")
		defPath := filepath.Join(wfDir, "definition.json")
		wf := map[string]any{"id": workflowID, "dir": wfDir}
		if data, err := os.ReadFile(statusPath); err == nil {
			wf["status"] = map[string]any{"path": statusPath, "sha256": sha256Hex(data)}
		}
		if data, err := os.ReadFile(defPath); err == nil {
			wf["definition"] = map[string]any{"path": defPath, "sha256": sha256Hex(data)}
		}
		snap["workflow"] = wf
	}
	return snap
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func providerSecrets(p llmprovider.Provider) []string {
	if s, ok := p.(secretSource); ok {
		return s.Secrets()
	}
	return nil
}

func messagesToAny(messages []llmprovider.Message) []any {
	out := make([]any, len(messages))
	for i, m := range messages {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

func serversAndTools(toolToServer map[string]string) (servers []string, tools []string) {
	seen := map[string]bool{}
	for tool, server := range toolToServer {
		tools = append(tools, tool)
		if !seen[server] {
			seen[server] = true
			servers = append(servers, server)
		}
	}
	return servers, tools
}

// extractBindableID looks for a top-level JSON `content[].json.id` string in
// a tools/call response, generalizing the workflow-id binding beyond any
// one upload tool.
func extractBindableID(rawResp json.RawMessage) string {
	var envelope struct {
		Result struct {
			Content []struct {
				Type string          `json:"type"`
				JSON json.RawMessage `json:"json"`
			} `json:"content"`
		} `json:"result"`
	}
	if json.Unmarshal(rawResp, &envelope) != nil {
		return ""
	}
	for _, item := range envelope.Result.Content {
		if item.Type != "json" {
			continue
		}
		var payload struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(item.JSON, &payload) == nil && payload.ID != "" {
			return payload.ID
		}
	}
	return ""
}

// parseToolJSON parses text as a single JSON object, tolerating
// surrounding prose by taking the first `{…}` span, mirroring
// parse_tool_json.
func parseToolJSON(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in model output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON object in model output: %w", err)
	}
	return obj, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
