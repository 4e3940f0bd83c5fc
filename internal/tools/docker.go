package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

// DockerConfig shapes how docker.run containers are launched. The
// defaults match a no-network, resource-capped sandbox.
type DockerConfig struct {
	Binary           string
	Network          string
	CPUs             string
	Memory           string
	ContainerWorkDir string
	Timeout          time.Duration
	MaxOutputBytes   int
}

func (c *DockerConfig) withDefaults() DockerConfig {
	out := *c
	if strings.TrimSpace(out.Binary) == "" {
		out.Binary = "docker"
	}
	if strings.TrimSpace(out.Network) == "" {
		out.Network = "none"
	}
	if strings.TrimSpace(out.CPUs) == "" {
		out.CPUs = "1"
	}
	if strings.TrimSpace(out.Memory) == "" {
		out.Memory = "512m"
	}
	if strings.TrimSpace(out.ContainerWorkDir) == "" {
		out.ContainerWorkDir = "/workspace"
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Minute
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = 256 * 1024
	}
	return out
}

func dockerDescriptors(deps Deps) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			Category:    "docker",
			Name:        "run",
			Description: "Run a command in a sandboxed container with the workspace mounted",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"image":   {Type: "string"},
					"command": {Type: "array", Items: &registry.Schema{Type: "string"}},
					"mount":   {Type: "string"},
				},
				Required: []string{"image", "command"},
			},
			RequiresHITLDefault: true,
			IsToolEndpoint:      true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return dockerRun(ctx, deps, params)
			},
		},
		{
			Category:       "docker",
			Name:           "ps",
			Description:    "List running containers",
			InputSchema:    registry.Schema{Type: "object"},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return dockerPS(ctx, deps)
			},
		},
		{
			Category:    "docker",
			Name:        "logs",
			Description: "Fetch a container's recent logs",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"container": {Type: "string"},
					"tail":      {Type: "number"},
				},
				Required: []string{"container"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return dockerLogs(ctx, deps, params)
			},
		},
	}
}

func dockerRun(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	image, err := strParam(params, "image")
	if err != nil {
		return nil, err
	}
	cmdArgs := optStrSliceParam(params, "command")
	if len(cmdArgs) == 0 {
		return nil, errs.New(errs.KindInvalidParam, "command must be a non-empty array of strings")
	}
	cfg := deps.Docker.withDefaults()

	mount := deps.Workspace.Root()
	if sub := optStrParam(params, "mount", ""); sub != "" {
		mount, err = deps.Workspace.Resolve(sub)
		if err != nil {
			return nil, err
		}
	}

	dockerArgs := []string{
		"run", "--rm",
		"--network", cfg.Network,
		"--cpus", cfg.CPUs,
		"--memory", cfg.Memory,
		"-w", cfg.ContainerWorkDir,
		"-v", mount + ":" + cfg.ContainerWorkDir + ":rw",
		image,
	}
	dockerArgs = append(dockerArgs, cmdArgs...)

	report, err := runDocker(ctx, cfg, dockerArgs)
	if err != nil {
		return nil, err
	}
	report.WorkDir = mount
	return report, nil
}

func dockerPS(ctx context.Context, deps Deps) (any, error) {
	cfg := deps.Docker.withDefaults()
	report, err := runDocker(ctx, cfg, []string{"ps", "--format", "{{json .}}"})
	if err != nil {
		return nil, err
	}
	if report.ExitCode != 0 {
		return nil, errs.Newf(errs.KindInternal, "docker ps failed: %s", strings.TrimSpace(report.Stderr))
	}

	var containers []string
	for _, line := range strings.Split(strings.TrimSpace(report.Stdout), "\n") {
		if line != "" {
			containers = append(containers, line)
		}
	}
	return map[string]any{"containers": containers, "count": len(containers)}, nil
}

func dockerLogs(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	container, err := strParam(params, "container")
	if err != nil {
		return nil, err
	}
	if !validContainerRef(container) {
		return nil, errs.Newf(errs.KindInvalidParam, "invalid container reference %q", container)
	}
	cfg := deps.Docker.withDefaults()

	args := []string{"logs"}
	if tail := optIntParam(params, "tail", 0); tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, container)

	report, err := runDocker(ctx, cfg, args)
	if err != nil {
		return nil, err
	}
	if report.ExitCode != 0 {
		return nil, errs.Newf(errs.KindNotFound, "container %q not found or not running", container).WithSuggestion("docker_ps")
	}
	return map[string]any{
		"container": container,
		"stdout":    report.Stdout,
		"stderr":    report.Stderr,
		"truncated": report.StdoutTruncated || report.StderrTruncated,
	}, nil
}

func runDocker(ctx context.Context, cfg DockerConfig, args []string) (*commandReport, error) {
	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cfg.Binary, args...)
	var stdoutBuf bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()

	report := &commandReport{
		Command:    cfg.Binary + " " + strings.Join(args, " "),
		DurationMS: time.Since(start).Milliseconds(),
	}
	report.Stdout, report.StdoutTruncated = truncateOutput(stdoutBuf.String(), cfg.MaxOutputBytes)
	report.Stderr, report.StderrTruncated = truncateOutput(stderrBuf.String(), cfg.MaxOutputBytes)

	if runErr == nil {
		return report, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, errs.Newf(errs.KindTimeout, "docker command timed out after %s", cfg.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		report.ExitCode = exitErr.ExitCode()
		return report, nil
	}
	return nil, errs.Wrap(errs.KindInternal, fmt.Errorf("spawn docker: %w", runErr))
}

// validContainerRef accepts container ids and names; anything that could
// smuggle flags into the docker CLI is rejected.
func validContainerRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "-") {
		return false
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}
