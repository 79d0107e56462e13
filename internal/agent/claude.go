package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ProviderClaude selects ClaudeCapability.
const ProviderClaude = "claude"

const defaultMaxTokens = 16384

// ClaudeConfig configures a ClaudeCapability.
type ClaudeConfig struct {
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey       string
	Model        string
	MaxTokens    int64
	SystemPrompt string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// ClaudeCapability generates files through the Anthropic Messages API.
type ClaudeCapability struct {
	kind      Kind
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	logger    *slog.Logger
}

// fileManifest is the response shape the model is instructed to produce.
type fileManifest struct {
	Files []File `json:"files"`
}

// NewClaudeCapability creates a capability for kind. Retries are disabled in
// the SDK because the orchestrator owns the retry policy.
func NewClaudeCapability(kind Kind, cfg ClaudeConfig, logger *slog.Logger) (*ClaudeCapability, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = systemPrompt(kind)
	}

	return &ClaudeCapability{
		kind:      kind,
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    system,
		logger:    logger.With("agent_kind", string(kind)),
	}, nil
}

// Generate streams one Messages request and parses the returned file
// manifest. Progress follows the output tokens produced so far against the
// token budget.
func (c *ClaudeCapability) Generate(ctx context.Context, req Request) (Result, error) {
	rep := req.reporter()
	prompt, err := buildPrompt(req)
	if err != nil {
		return Result{}, Fatal(err)
	}

	c.logger.Debug("sending generation request", "task_id", req.TaskID, "model", string(c.model))

	stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	defer stream.Close()

	var (
		msg      anthropic.Message
		text     strings.Builder
		progress = tokenProgress{budget: c.maxTokens, report: rep.Progress}
		stopped  bool
	)
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return Result{}, Recoverable(fmt.Errorf("reading stream: %w", err))
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				text.WriteString(delta.Text)
				progress.estimate(text.Len())
			}
		case anthropic.MessageDeltaEvent:
			progress.observe(ev.Usage.OutputTokens)
		case anthropic.MessageStopEvent:
			stopped = true
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, classifyAPIError(ctx, err)
	}
	if !stopped {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, Recoverablef("response stream ended before message_stop")
	}
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		return Result{}, Fatalf("response truncated at max_tokens=%d", c.maxTokens)
	}

	files, err := parseManifest(text.String())
	if err != nil {
		return Result{}, Fatal(err)
	}
	usage := Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
	rep.Log(SeverityInfo, fmt.Sprintf("generated %d files (%d tokens)", len(files), usage.Total()))

	return Result{Files: files, Usage: usage}, nil
}

// bytesPerToken approximates output tokens from streamed text until the
// API reports the real count.
const bytesPerToken = 4

// tokenProgress converts output tokens into a percentage of the budget.
// It stays below 100; completing the task is what reaches 100.
type tokenProgress struct {
	budget int64
	report func(int)
	last   int
}

func (p *tokenProgress) estimate(textBytes int) {
	p.observe(int64(textBytes / bytesPerToken))
}

func (p *tokenProgress) observe(tokens int64) {
	if p.budget <= 0 || tokens <= 0 {
		return
	}
	pct := int(min(tokens*100/p.budget, 99))
	if pct > p.last {
		p.last = pct
		p.report(pct)
	}
}

// classifyAPIError maps SDK failures onto the retry taxonomy.
func classifyAPIError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusRequestTimeout, code == http.StatusConflict,
			code == http.StatusTooManyRequests, code >= 500:
			return &ExecutionError{Kind: ErrorRecoverable, Message: "provider unavailable", Err: err}
		default:
			return &ExecutionError{Kind: ErrorFatal, Message: "provider rejected request", Err: err}
		}
	}
	// Transport-level failures.
	return &ExecutionError{Kind: ErrorRecoverable, Message: "provider request failed", Err: err}
}

func buildPrompt(req Request) (string, error) {
	cfg, err := json.MarshalIndent(req.Config, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding config slice: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generate the %s for this project.\n\n", strings.ToLower(req.Kind.Title()))
	b.WriteString("Project configuration:\n")
	b.Write(cfg)
	b.WriteString("\n\n")

	if len(req.Upstream) > 0 {
		upstream := append([]File(nil), req.Upstream...)
		sort.Slice(upstream, func(i, j int) bool { return upstream[i].Path < upstream[j].Path })
		b.WriteString("Files already generated by upstream agents:\n")
		for _, f := range upstream {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Write every file under %s/ unless it must live at the project root.\n", req.Kind)
	b.WriteString(`Respond with only a JSON object: {"files":[{"path":"relative/path","content":"..."}]}`)
	return b.String(), nil
}

// parseManifest extracts the JSON manifest, tolerating a surrounding code fence.
func parseManifest(text string) ([]File, error) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var m fileManifest
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("parsing file manifest: %w", err)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("response contained no files")
	}
	return m.Files, nil
}

func systemPrompt(kind Kind) string {
	switch kind {
	case KindDatabase:
		return "You are a database design agent. You produce schema definitions, migrations and seed data with sound relationships and indexes."
	case KindBackend:
		return "You are a backend development agent. You produce a typed REST API with validation, error handling and a clear API contract for the frontend."
	case KindFrontend:
		return "You are a frontend development agent. You produce accessible React components and pages that consume the backend's API contract."
	case KindAuth:
		return "You are an authentication agent. You produce secure sign-in flows, session handling and authorization middleware for the configured providers."
	case KindIntegrations:
		return "You are an integrations agent. You produce resilient clients and webhook handlers for the configured third-party services."
	case KindDevOps:
		return "You are a DevOps agent. You package every generated component with container, CI and deployment configuration for the chosen platform."
	default:
		return "You are a code generation agent."
	}
}
