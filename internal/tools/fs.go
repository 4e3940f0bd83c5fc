package tools

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

func fsDescriptors(deps Deps) []*registry.Descriptor {
	pathProp := map[string]registry.Schema{"path": {Type: "string"}}

	return []*registry.Descriptor{
		{
			Category:       "fs",
			Name:           "read",
			Description:    "Read a file within the workspace",
			InputSchema:    registry.Schema{Type: "object", Properties: pathProp, Required: []string{"path"}},
			IsToolEndpoint: true,
			Handler:        func(ctx context.Context, params map[string]any) (any, error) { return fsRead(deps, params) },
		},
		{
			Category:    "fs",
			Name:        "write",
			Description: "Write (or append to) a file within the workspace",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"path":    {Type: "string"},
					"content": {Type: "string"},
					"append":  {Type: "boolean"},
				},
				Required: []string{"path", "content"},
			},
			IsToolEndpoint: true,
			Handler:        func(ctx context.Context, params map[string]any) (any, error) { return fsWrite(deps, params) },
		},
		{
			Category:    "fs",
			Name:        "list",
			Description: "List a directory within the workspace",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"path":      {Type: "string"},
					"recursive": {Type: "boolean"},
				},
			},
			IsToolEndpoint: true,
			Handler:        func(ctx context.Context, params map[string]any) (any, error) { return fsList(deps, params) },
		},
		{
			Category:       "fs",
			Name:           "mkdir",
			Description:    "Create a directory (and parents) within the workspace",
			InputSchema:    registry.Schema{Type: "object", Properties: pathProp, Required: []string{"path"}},
			IsToolEndpoint: true,
			Handler:        func(ctx context.Context, params map[string]any) (any, error) { return fsMkdir(deps, params) },
		},
		{
			Category:    "fs",
			Name:        "delete",
			Description: "Delete a file or directory within the workspace",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"path":      {Type: "string"},
					"recursive": {Type: "boolean"},
				},
				Required: []string{"path"},
			},
			RequiresHITLDefault: true,
			IsToolEndpoint:      true,
			Handler:             func(ctx context.Context, params map[string]any) (any, error) { return fsDelete(deps, params) },
		},
		{
			Category:    "fs",
			Name:        "move",
			Description: "Move or rename a file within the workspace",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"source":      {Type: "string"},
					"destination": {Type: "string"},
				},
				Required: []string{"source", "destination"},
			},
			IsToolEndpoint: true,
			Handler:        func(ctx context.Context, params map[string]any) (any, error) { return fsMove(deps, params) },
		},
	}
}

func fsRead(deps Deps, params map[string]any) (any, error) {
	p, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	real, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.KindNotFound, "file %q does not exist", p).WithSuggestion("fs_list")
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return map[string]any{"path": p, "content": string(data), "size": len(data)}, nil
}

func fsWrite(deps Deps, params map[string]any) (any, error) {
	p, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, err := strParam(params, "content")
	if err != nil {
		return nil, err
	}
	real, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	if optBoolParam(params, "append", false) {
		f, err := os.OpenFile(real, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		defer f.Close()
		n, err := f.WriteString(content)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		return map[string]any{"path": p, "bytes_written": n, "appended": true}, nil
	}

	if err := os.WriteFile(real, []byte(content), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return map[string]any{"path": p, "bytes_written": len(content)}, nil
}

type fsEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func fsList(deps Deps, params map[string]any) (any, error) {
	p := optStrParam(params, "path", ".")
	real, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}

	var entries []fsEntry
	if optBoolParam(params, "recursive", false) {
		err = filepath.WalkDir(real, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if path == real {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(deps.Workspace.Root(), path)
			entries = append(entries, fsEntry{Name: d.Name(), Path: rel, IsDir: d.IsDir(), Size: info.Size()})
			return nil
		})
	} else {
		var dirEntries []os.DirEntry
		dirEntries, err = os.ReadDir(real)
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			rel, _ := filepath.Rel(deps.Workspace.Root(), filepath.Join(real, d.Name()))
			entries = append(entries, fsEntry{Name: d.Name(), Path: rel, IsDir: d.IsDir(), Size: info.Size()})
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.KindNotFound, "directory %q does not exist", p).WithSuggestion("fs_list")
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return map[string]any{"path": p, "entries": entries, "count": len(entries)}, nil
}

func fsMkdir(deps Deps, params map[string]any) (any, error) {
	p, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	real, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(real, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return map[string]any{"path": p, "created": true}, nil
}

func fsDelete(deps Deps, params map[string]any) (any, error) {
	p, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	real, err := deps.Workspace.Resolve(p)
	if err != nil {
		return nil, err
	}
	// Deleting the workspace root itself is never allowed, recursive or not.
	if real == deps.Workspace.Root() {
		return nil, errs.New(errs.KindSecurity, "refusing to delete the workspace root")
	}

	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.KindNotFound, "path %q does not exist", p).WithSuggestion("fs_list")
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	if info.IsDir() && !optBoolParam(params, "recursive", false) {
		return nil, errs.Newf(errs.KindInvalidParam, "%q is a directory; pass recursive=true to delete it", p)
	}
	if err := os.RemoveAll(real); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return map[string]any{"path": p, "deleted": true}, nil
}

func fsMove(deps Deps, params map[string]any) (any, error) {
	src, err := strParam(params, "source")
	if err != nil {
		return nil, err
	}
	dst, err := strParam(params, "destination")
	if err != nil {
		return nil, err
	}
	realSrc, err := deps.Workspace.Resolve(src)
	if err != nil {
		return nil, err
	}
	realDst, err := deps.Workspace.Resolve(dst)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(realSrc); os.IsNotExist(err) {
		return nil, errs.Newf(errs.KindNotFound, "source %q does not exist", src).WithSuggestion("fs_list")
	}
	if err := os.MkdirAll(filepath.Dir(realDst), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := os.Rename(realSrc, realDst); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return map[string]any{"source": src, "destination": dst, "moved": true}, nil
}

// primaryParamName maps a tool coordinate to the param its policy glob
// patterns apply to (the "primary param" of the config table).
func primaryParamName(category, name string) string {
	switch category {
	case "fs":
		if name == "move" {
			return "source"
		}
		return "path"
	case "shell":
		return "command"
	case "http":
		return "url"
	case "git":
		return "url"
	case "docker":
		return "image"
	}
	return ""
}

// PrimaryParamName is consumed by the composition root when expanding
// tools.<category>.<name>.hitl_patterns / block_patterns overrides into
// policy rules.
func PrimaryParamName(category, name string) string { return primaryParamName(category, name) }
