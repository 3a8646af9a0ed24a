package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/logging"
)

// maxContextEnv bounds the memory context passed through the environment.
const maxContextEnv = 32 * 1024

// CommandConfig configures a CommandProcessor.
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
	Timeout time.Duration // zero means no timeout
	Env     []string      // extra KEY=VALUE pairs
}

// CommandProcessor runs an external command per task. The prompt is written
// to stdin and the task files are appended as arguments. Stdout is parsed as
// a JSON object {text, generated_files, quality_score, success} when it is
// one, and taken as plain text otherwise.
type CommandProcessor struct {
	cfg    CommandConfig
	pm     *ProcessManager
	logger *slog.Logger
}

// NewCommandProcessor creates a processor. pm may be nil.
func NewCommandProcessor(cfg CommandConfig, pm *ProcessManager, logger *slog.Logger) (*CommandProcessor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("processor command is required")
	}
	return &CommandProcessor{
		cfg:    cfg,
		pm:     pm,
		logger: logging.Component(logger, "processor"),
	}, nil
}

// Process implements TaskProcessor.
func (p *CommandProcessor) Process(ctx context.Context, req Request) (Response, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.cfg.Args...), req.Files...)
	cmd := newCommand(ctx, p.cfg.Command, args...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"AUTOPILOT_TASK_ID="+req.TaskID,
		"AUTOPILOT_TASK_TYPE="+req.TaskType,
		"AUTOPILOT_STRATEGY="+req.Strategy,
	)
	if req.Context != "" {
		memCtx := req.Context
		if len(memCtx) > maxContextEnv {
			memCtx = memCtx[:maxContextEnv]
		}
		cmd.Env = append(cmd.Env, "AUTOPILOT_CONTEXT="+memCtx)
	}

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, p.pm)
	elapsed := time.Since(start)

	if err != nil {
		resp := Response{Success: false, Text: string(bytes.TrimSpace(stderr)), ExecutionTime: elapsed}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return resp, faults.Execution("processor_timeout", fmt.Errorf("%s timed out after %s", p.cfg.Command, p.cfg.Timeout))
		}
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		return resp, faults.Execution("processor_failed", err)
	}
	if len(stderr) > 0 {
		p.logger.Debug("processor stderr", "task", req.TaskID, "stderr", string(bytes.TrimSpace(stderr)))
	}

	resp := parseOutput(stdout)
	resp.ExecutionTime = elapsed
	return resp, nil
}

type commandOutput struct {
	Text           string   `json:"text"`
	GeneratedFiles []string `json:"generated_files"`
	QualityScore   *float64 `json:"quality_score"`
	Success        *bool    `json:"success"`
}

func parseOutput(stdout []byte) Response {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var out commandOutput
		if err := json.Unmarshal(trimmed, &out); err == nil {
			resp := Response{
				Success:        true,
				Text:           out.Text,
				GeneratedFiles: out.GeneratedFiles,
			}
			if out.Success != nil {
				resp.Success = *out.Success
			}
			if out.QualityScore != nil {
				resp.QualityScore = *out.QualityScore
				resp.HasScore = true
			}
			return resp
		}
	}
	return Response{Success: true, Text: string(trimmed)}
}
