package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

var gitURLRe = regexp.MustCompile(`^(https://|git@|ssh://)[A-Za-z0-9._@:/\-~]+$`)

func gitDescriptors(deps Deps) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			Category:    "git",
			Name:        "clone",
			Description: "Clone a repository into the workspace",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"url":   {Type: "string"},
					"dest":  {Type: "string"},
					"depth": {Type: "number"},
				},
				Required: []string{"url", "dest"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return gitClone(ctx, deps, params)
			},
		},
		{
			Category:    "git",
			Name:        "status",
			Description: "Report working-tree status of a repository in the workspace",
			InputSchema: registry.Schema{
				Type:       "object",
				Properties: map[string]registry.Schema{"path": {Type: "string"}},
				Required:   []string{"path"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return gitStatus(ctx, deps, params)
			},
		},
		{
			Category:    "git",
			Name:        "commit",
			Description: "Stage and commit changes in a workspace repository",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"path":    {Type: "string"},
					"message": {Type: "string"},
					"add_all": {Type: "boolean"},
				},
				Required: []string{"path", "message"},
			},
			RequiresHITLDefault: true,
			IsToolEndpoint:      true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return gitCommit(ctx, deps, params)
			},
		},
	}
}

func gitClone(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	url, err := strParam(params, "url")
	if err != nil {
		return nil, err
	}
	if !gitURLRe.MatchString(url) {
		return nil, errs.Newf(errs.KindInvalidParam, "invalid git url %q", url)
	}
	dest, err := strParam(params, "dest")
	if err != nil {
		return nil, err
	}
	realDest, err := deps.Workspace.Resolve(dest)
	if err != nil {
		return nil, err
	}

	cloneURL := url
	if deps.Git != nil {
		authed, err := deps.Git.AuthenticatedCloneURL(ctx, url)
		if err != nil {
			return nil, err
		}
		cloneURL = authed
	}

	args := []string{"clone"}
	if depth := optIntParam(params, "depth", 0); depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	args = append(args, cloneURL, realDest)

	if out, err := runGitRaw(ctx, "", args...); err != nil {
		// Token-bearing URLs must never surface in errors.
		return nil, errs.Newf(errs.KindInternal, "git clone failed: %s", redactURL(out, cloneURL, url))
	}
	return map[string]any{"url": url, "dest": dest, "cloned": true}, nil
}

func gitStatus(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	p, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	repo, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}

	branchOut, err := runGitRaw(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, errs.Newf(errs.KindNotFound, "%q is not a git repository", p).WithSuggestion("fs_list")
	}
	statusOut, err := runGitRaw(ctx, repo, "status", "--porcelain")
	if err != nil {
		return nil, errs.Newf(errs.KindInternal, "git status failed: %s", statusOut)
	}

	var changes []map[string]string
	for _, line := range strings.Split(statusOut, "\n") {
		if len(line) < 4 {
			continue
		}
		changes = append(changes, map[string]string{
			"status": strings.TrimSpace(line[:2]),
			"path":   strings.TrimSpace(line[3:]),
		})
	}
	return map[string]any{
		"path":    p,
		"branch":  strings.TrimSpace(branchOut),
		"clean":   len(changes) == 0,
		"changes": changes,
	}, nil
}

func gitCommit(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	p, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	message, err := strParam(params, "message")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, errs.New(errs.KindInvalidParam, "commit message must not be empty")
	}
	repo, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}

	if optBoolParam(params, "add_all", true) {
		if out, err := runGitRaw(ctx, repo, "add", "-A"); err != nil {
			return nil, errs.Newf(errs.KindInternal, "git add failed: %s", out)
		}
	}
	if out, err := runGitRaw(ctx, repo, "commit", "-m", message); err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil, errs.New(errs.KindInvalidParam, "nothing to commit").WithSuggestion("git_status")
		}
		return nil, errs.Newf(errs.KindInternal, "git commit failed: %s", out)
	}

	hash, err := runGitRaw(ctx, repo, "rev-parse", "HEAD")
	if err != nil {
		return nil, errs.Newf(errs.KindInternal, "git rev-parse failed: %s", hash)
	}
	return map[string]any{"path": p, "commit_hash": strings.TrimSpace(hash)}, nil
}

func runGitRaw(ctx context.Context, workdir string, args ...string) (string, error) {
	full := args
	if workdir != "" {
		full = append([]string{"-C", workdir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func redactURL(out, secretURL, plainURL string) string {
	if secretURL == plainURL {
		return out
	}
	return strings.ReplaceAll(out, secretURL, plainURL)
}
