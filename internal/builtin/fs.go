package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/skein-dev/skein/internal/isolation"
	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig scopes the fs provider's filesystem access.
type FSConfig struct {
	Limits      isolation.Limits
	MaxReadSize int64
}

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsReadOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "encoding": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "create_dirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer", "default": 420}
  },
  "required": ["path", "content"]
}`

const fsSizeOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsAppendInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"}
  },
  "required": ["path", "content"]
}`

const fsDeleteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsDeleteOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "deleted": {"type": "boolean"}
  }
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsListOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "path": {"type": "string"},
          "size": {"type": "integer"},
          "modified_at": {"type": "string"},
          "is_dir": {"type": "boolean"}
        }
      }
    }
  }
}`

const fsStatInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"}
  },
  "required": ["path"]
}`

const fsStatOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "size": {"type": "integer"},
    "modified_at": {"type": "string"},
    "is_dir": {"type": "boolean"},
    "permissions": {"type": "string"}
  }
}`

var _ providers.ActionProvider = (*FSProvider)(nil)

// FSProvider exposes policy-checked filesystem access. Every path goes
// through the isolation limits before it is touched.
type FSProvider struct {
	cfg FSConfig
}

func NewFSProvider(cfg FSConfig) *FSProvider {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return &FSProvider{cfg: cfg}
}

func (p *FSProvider) Name() string { return "fs" }

func (p *FSProvider) Manifest() providers.Manifest {
	return providers.Manifest{
		Provider:    "fs",
		Description: "Filesystem access scoped by the configured path policy.",
		Actions: map[string]providers.ActionSpec{
			"read": {
				Description:  "Read the contents of a file",
				InputSchema:  mustSchema(fsReadInputSchema),
				OutputSchema: mustSchema(fsReadOutputSchema),
				Idempotent:   true,
			},
			"write": {
				Description:  "Write content to a file, creating or overwriting it",
				InputSchema:  mustSchema(fsWriteInputSchema),
				OutputSchema: mustSchema(fsSizeOutputSchema),
				Idempotent:   true,
			},
			"append": {
				Description:  "Append content to a file, creating it if it does not exist",
				InputSchema:  mustSchema(fsAppendInputSchema),
				OutputSchema: mustSchema(fsSizeOutputSchema),
			},
			"delete": {
				Description:  "Delete a file or directory",
				InputSchema:  mustSchema(fsDeleteInputSchema),
				OutputSchema: mustSchema(fsDeleteOutputSchema),
			},
			"list": {
				Description:  "List files and directories in a path, optionally filtered by glob pattern",
				InputSchema:  mustSchema(fsListInputSchema),
				OutputSchema: mustSchema(fsListOutputSchema),
				Idempotent:   true,
			},
			"stat": {
				Description:  "Get file or directory metadata",
				InputSchema:  mustSchema(fsStatInputSchema),
				OutputSchema: mustSchema(fsStatOutputSchema),
				Idempotent:   true,
			},
		},
	}
}

func (p *FSProvider) Invoke(_ context.Context, action string, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	switch action {
	case "read":
		return p.read(params)
	case "write":
		return p.write(params)
	case "append":
		return p.append(params)
	case "delete":
		return p.delete(params)
	case "list":
		return p.list(params)
	case "stat":
		return p.stat(params)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMismatch, "fs: unknown action %q", action)
	}
}

// checkedPath resolves the named param to absolute and runs it through the
// path policy.
func (p *FSProvider) checkedPath(params map[string]any, key string, mode isolation.PathMode) (string, error) {
	raw := stringParam(params, key, "")
	if raw == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "fs: missing required param %q", key)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "fs: invalid path %q: %v", raw, err)
	}
	if err := p.cfg.Limits.CheckPath(abs, mode); err != nil {
		return "", err
	}
	return abs, nil
}

func (p *FSProvider) read(params map[string]any) (any, error) {
	enc := stringParam(params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}

	path, err := p.checkedPath(params, "path", isolation.PathRead)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, p.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	content := string(data)
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	}

	return map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}, nil
}

func (p *FSProvider) write(params map[string]any) (any, error) {
	if _, ok := params["content"]; !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'content'")
	}

	path, err := p.checkedPath(params, "path", isolation.PathWrite)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "create_dirs", false) {
		dir := filepath.Dir(path)
		if err := p.cfg.Limits.CheckPath(dir, isolation.PathWrite); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	data := []byte(stringParam(params, "content", ""))
	mode := os.FileMode(intParam(params, "mode", 0644))
	if err := os.WriteFile(path, data, mode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: %v", err).WithCause(err)
	}

	return map[string]any{"path": path, "size": len(data)}, nil
}

func (p *FSProvider) append(params map[string]any) (any, error) {
	if _, ok := params["content"]; !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "fs.append: missing required param 'content'")
	}

	path, err := p.checkedPath(params, "path", isolation.PathWrite)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.append: %v", err).WithCause(err)
	}
	if _, err := f.WriteString(stringParam(params, "content", "")); err != nil {
		f.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.append: failed to write: %v", err).WithCause(err)
	}
	f.Close()

	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.append: failed to stat after write: %v", err).WithCause(err)
	}
	return map[string]any{"path": path, "size": info.Size()}, nil
}

func (p *FSProvider) delete(params map[string]any) (any, error) {
	path, err := p.checkedPath(params, "path", isolation.PathWrite)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "recursive", false) {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.delete: %v", err).WithCause(err)
	}
	return map[string]any{"path": path, "deleted": true}, nil
}

func (p *FSProvider) list(params map[string]any) (any, error) {
	path, err := p.checkedPath(params, "path", isolation.PathRead)
	if err != nil {
		return nil, err
	}

	pattern := stringParam(params, "pattern", "")
	entries := []map[string]any{}

	switch {
	case boolParam(params, "recursive", false):
		err = filepath.WalkDir(path, func(pth string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if pth == path {
				return nil
			}
			if pattern != "" {
				matched, matchErr := filepath.Match(pattern, d.Name())
				if matchErr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
				}
				if !matched {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			entries = append(entries, entryMap(d.Name(), pth, info))
			return nil
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", err).WithCause(err)
		}

	case pattern != "":
		matches, globErr := filepath.Glob(filepath.Join(path, pattern))
		if globErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, globErr)
		}
		for _, m := range matches {
			info, infoErr := os.Stat(m)
			if infoErr != nil {
				continue
			}
			entries = append(entries, entryMap(filepath.Base(m), m, info))
		}

	default:
		dirEntries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", readErr).WithCause(readErr)
		}
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			entries = append(entries, entryMap(d.Name(), filepath.Join(path, d.Name()), info))
		}
	}

	return map[string]any{"path": path, "entries": entries}, nil
}

func (p *FSProvider) stat(params map[string]any) (any, error) {
	path, err := p.checkedPath(params, "path", isolation.PathRead)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.stat: %v", err).WithCause(err)
	}
	result := entryMap(info.Name(), path, info)
	delete(result, "name")
	result["permissions"] = fmt.Sprintf("%04o", info.Mode().Perm())
	return result, nil
}

func entryMap(name, path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"name":        name,
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
	}
}

// isBinary flags content with null bytes in the first 8KB.
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}
