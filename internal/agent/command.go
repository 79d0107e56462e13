package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProviderCommand selects CommandCapability.
const ProviderCommand = "command"

// exitTempFail is EX_TEMPFAIL from sysexits.h; generators use it to ask for a retry.
const exitTempFail = 75

// CommandConfig configures an external generator executable.
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
}

// CommandCapability delegates generation to an external executable. The
// request is written to stdin as JSON and the result read from stdout.
// Stderr lines of the form "progress:<n>" are reported as progress; every
// other stderr line is forwarded as an info log.
type CommandCapability struct {
	cfg     CommandConfig
	procMgr *ProcessManager
}

// commandRequest is the JSON document written to the generator's stdin.
type commandRequest struct {
	TaskID   string         `json:"task_id"`
	Kind     Kind           `json:"agent_kind"`
	Config   map[string]any `json:"config_slice"`
	Upstream []File         `json:"upstream_files"`
}

// commandResponse is the JSON document expected on the generator's stdout.
type commandResponse struct {
	Files []File `json:"files"`
	Usage Usage  `json:"usage"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewCommandCapability validates cfg and returns a CommandCapability.
// The ProcessManager is optional.
func NewCommandCapability(cfg CommandConfig, pm *ProcessManager) (*CommandCapability, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("command provider requires a command")
	}
	return &CommandCapability{cfg: cfg, procMgr: pm}, nil
}

// Generate runs the generator once.
func (c *CommandCapability) Generate(ctx context.Context, req Request) (Result, error) {
	input, err := json.Marshal(commandRequest{
		TaskID:   req.TaskID,
		Kind:     req.Kind,
		Config:   req.Config,
		Upstream: req.Upstream,
	})
	if err != nil {
		return Result{}, Fatal(fmt.Errorf("encoding request: %w", err))
	}

	rep := req.reporter()
	proc := newGeneratorProcess(ctx, c.cfg.WorkDir, c.cfg.Command, c.cfg.Args, func(line string) {
		if pct, ok := parseProgressLine(line); ok {
			rep.Progress(pct)
			return
		}
		if line = strings.TrimSpace(line); line != "" {
			rep.Log(SeverityInfo, line)
		}
	})
	out, err := proc.run(input, c.procMgr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, classifyExit(err, out.stderr)
	}

	var resp commandResponse
	if err := json.Unmarshal(out.stdout, &resp); err != nil {
		return Result{}, Fatal(fmt.Errorf("parsing generator output: %w", err))
	}
	if resp.Error != nil {
		if resp.Error.Kind == ErrorRecoverable.String() {
			return Result{}, Recoverablef("%s", resp.Error.Message)
		}
		return Result{}, Fatalf("%s", resp.Error.Message)
	}
	return Result{Files: resp.Files, Usage: resp.Usage}, nil
}

func classifyExit(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		wrapped := &ExecutionError{Kind: ErrorFatal, Message: msg, Err: err}
		if exitErr.ExitCode() == exitTempFail {
			wrapped.Kind = ErrorRecoverable
		}
		return wrapped
	}
	// Failing to start the executable will not fix itself.
	return &ExecutionError{Kind: ErrorFatal, Message: msg, Err: err}
}

func parseProgressLine(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "progress:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}
