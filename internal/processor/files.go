package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oriys/orbit/internal/pkg/fsutil"
)

// FileOperation is the config of a file-operation step.
type FileOperation struct {
	Operation   string `json:"operation"`
	Path        string `json:"path"`
	Destination string `json:"destination,omitempty"`
	Content     string `json:"content,omitempty"`
}

func fileOperationFrom(cfg map[string]any) (FileOperation, error) {
	op := FileOperation{
		Operation:   stringField(cfg, "operation"),
		Path:        stringField(cfg, "path"),
		Destination: stringField(cfg, "destination"),
		Content:     stringField(cfg, "content"),
	}
	if op.Operation == "" {
		return op, fmt.Errorf("operation is required")
	}
	if op.Path == "" {
		return op, fmt.Errorf("path is required")
	}
	return op, nil
}

// LocalFileOperator runs file operations on the local filesystem. With Root
// set, every path is resolved inside Root and may not escape it.
type LocalFileOperator struct {
	Root string
}

func (o *LocalFileOperator) resolve(p string) (string, error) {
	if o.Root == "" {
		return filepath.Clean(p), nil
	}
	root, err := filepath.Abs(o.Root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.Clean("/"+p))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes %s", p, root)
	}
	return full, nil
}

// Execute supports read, write, append, copy, move, delete, list, exists,
// mkdir and hash.
func (o *LocalFileOperator) Execute(ctx context.Context, op FileOperation) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := o.resolve(op.Path)
	if err != nil {
		return nil, err
	}

	switch op.Operation {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "content": string(data), "size": len(data), "checksum": fsutil.Checksum(data)}, nil

	case "write", "append":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if op.Operation == "append" {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return nil, err
		}
		n, err := f.WriteString(op.Content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "written": n}, nil

	case "copy", "move":
		if op.Destination == "" {
			return nil, fmt.Errorf("destination is required for %s", op.Operation)
		}
		dst, err := o.resolve(op.Destination)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if op.Operation == "move" {
			if err := os.Rename(path, dst); err != nil {
				return nil, err
			}
		} else if err := copyFile(path, dst); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "destination": dst}, nil

	case "delete":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return map[string]any{"path": path, "deleted": true}, nil

	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		return map[string]any{"path": path, "entries": names}, nil

	case "exists":
		_, err := os.Stat(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return map[string]any{"path": path, "exists": err == nil}, nil

	case "mkdir":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		return map[string]any{"path": path}, nil

	case "hash":
		sum, err := fsutil.HashFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "checksum": sum}, nil
	}
	return nil, fmt.Errorf("unsupported file operation %q", op.Operation)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
