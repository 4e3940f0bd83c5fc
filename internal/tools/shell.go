package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

// ShellConfig bounds what shell.run may execute and how long.
type ShellConfig struct {
	Timeout            time.Duration
	MaxTimeout         time.Duration
	MaxOutputBytes     int
	AllowedExecutables []string // empty = any executable
}

func (c *ShellConfig) withDefaults() ShellConfig {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.MaxTimeout <= 0 {
		out.MaxTimeout = 10 * time.Minute
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = 256 * 1024
	}
	return out
}

// commandReport is the shared result shape for shell and docker
// executions.
type commandReport struct {
	Command         string `json:"command"`
	WorkDir         string `json:"work_dir,omitempty"`
	ExitCode        int    `json:"exit_code"`
	DurationMS      int64  `json:"duration_ms"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
}

func shellDescriptors(deps Deps) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			Category:    "shell",
			Name:        "run",
			Description: "Run a shell command inside the workspace",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"command":         {Type: "string"},
					"workdir":         {Type: "string"},
					"timeout_seconds": {Type: "number"},
				},
				Required: []string{"command"},
			},
			RequiresHITLDefault: true,
			IsToolEndpoint:      true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return shellRun(ctx, deps, params)
			},
		},
	}
}

func shellRun(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	cmdline, err := strParam(params, "command")
	if err != nil {
		return nil, err
	}
	cfg := deps.Shell.withDefaults()

	if err := checkAllowedExecutable(cmdline, cfg.AllowedExecutables); err != nil {
		return nil, err
	}

	wd := deps.Workspace.Root()
	if sub := optStrParam(params, "workdir", ""); sub != "" {
		wd, err = deps.Workspace.Resolve(sub)
		if err != nil {
			return nil, err
		}
	}

	timeout := cfg.Timeout
	if secs := optIntParam(params, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > cfg.MaxTimeout {
			timeout = cfg.MaxTimeout
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-lc", cmdline)
	cmd.Dir = wd
	var stdoutBuf bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()

	report := commandReport{
		Command:    cmdline,
		WorkDir:    wd,
		DurationMS: time.Since(start).Milliseconds(),
	}
	report.Stdout, report.StdoutTruncated = truncateOutput(stdoutBuf.String(), cfg.MaxOutputBytes)
	report.Stderr, report.StderrTruncated = truncateOutput(stderrBuf.String(), cfg.MaxOutputBytes)

	if runErr == nil {
		return report, nil
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, errs.Newf(errs.KindTimeout, "command timed out after %s", timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// A non-zero exit is a result, not a transport failure; callers
		// read exit_code from the report.
		report.ExitCode = exitErr.ExitCode()
		return report, nil
	}

	return nil, errs.Wrap(errs.KindInternal, fmt.Errorf("spawn command: %w", runErr))
}

// checkAllowedExecutable verifies the command line's first token against
// the configured allowlist, when one is set.
func checkAllowedExecutable(cmdline string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return errs.New(errs.KindInvalidParam, "command is empty")
	}
	exe := fields[0]
	for _, a := range allowed {
		if exe == a {
			return nil
		}
	}
	return errs.Newf(errs.KindBlocked, "executable %q is not in the shell allowlist", exe)
}

func truncateOutput(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}
