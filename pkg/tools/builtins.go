package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/arbor/pkg/domain"
)

const (
	defaultMaxFileBytes = 4 << 20
	defaultShellTimeout = 30 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
)

type config struct {
	baseDir      string
	maxFileBytes int64
	shellTimeout time.Duration
	httpClient   *http.Client
	enableShell  bool
}

// Option configures the built-in tool set.
type Option func(*config)

// WithBaseDir confines file tools to dir. Paths escaping it are rejected.
func WithBaseDir(dir string) Option {
	return func(c *config) { c.baseDir = dir }
}

// WithMaxFileBytes caps how much read_file returns and write_file accepts.
func WithMaxFileBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxFileBytes = n
		}
	}
}

// WithShell enables the shell tool. Off unless asked for.
func WithShell(enabled bool) Option {
	return func(c *config) { c.enableShell = enabled }
}

// WithShellTimeout caps shell command runtime.
func WithShellTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.shellTimeout = d
		}
	}
}

// WithHTTPClient overrides the client used by http_request.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Builtins returns the in-process tool set: file operations, http_request,
// and optionally shell. Handlers return failures as plain errors; the
// registry converts them to tool-result data for the model.
func Builtins(opts ...Option) []domain.ToolDescriptor {
	cfg := &config{
		maxFileBytes: defaultMaxFileBytes,
		shellTimeout: defaultShellTimeout,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	out := []domain.ToolDescriptor{
		readFileTool(cfg),
		writeFileTool(cfg),
		listDirectoryTool(cfg),
		deleteFileTool(cfg),
		httpRequestTool(cfg),
	}
	if cfg.enableShell {
		out = append(out, shellTool(cfg))
	}
	return out
}

// decodeArgs maps loosely typed JSON args onto a typed input struct.
func decodeArgs(args map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// resolvePath joins p under the configured base dir and rejects escapes.
func (c *config) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if c.baseDir == "" {
		return filepath.Clean(p), nil
	}
	joined := filepath.Join(c.baseDir, p)
	rel, err := filepath.Rel(c.baseDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the working directory", p)
	}
	return joined, nil
}

func readFileTool(cfg *config) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a file's contents.",
		Origin:      domain.OriginBuiltin,
		InputSchema: objectSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "File path to read"},
		}, "path"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Path string `mapstructure:"path"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			path, err := cfg.resolvePath(in.Path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				return nil, fmt.Errorf("path is a directory: %s", in.Path)
			}
			if info.Size() > cfg.maxFileBytes {
				return nil, fmt.Errorf("file %s is %d bytes, limit is %d", in.Path, info.Size(), cfg.maxFileBytes)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	}
}

func writeFileTool(cfg *config) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "write_file",
		Description: "Write content to a file. Creates parent directories by default.",
		Origin:      domain.OriginBuiltin,
		InputSchema: objectSchema(map[string]any{
			"path":        map[string]any{"type": "string", "description": "File path to write"},
			"content":     map[string]any{"type": "string", "description": "Content to write"},
			"create_dirs": map[string]any{"type": "boolean", "description": "Create parent directories if missing"},
		}, "path", "content"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			in := struct {
				Path       string `mapstructure:"path"`
				Content    string `mapstructure:"content"`
				CreateDirs *bool  `mapstructure:"create_dirs"`
			}{}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if int64(len(in.Content)) > cfg.maxFileBytes {
				return nil, fmt.Errorf("content is %d bytes, limit is %d", len(in.Content), cfg.maxFileBytes)
			}
			path, err := cfg.resolvePath(in.Path)
			if err != nil {
				return nil, err
			}
			if in.CreateDirs == nil || *in.CreateDirs {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, err
				}
			}
			if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
				return nil, err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
		},
	}
}

func listDirectoryTool(cfg *config) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "list_directory",
		Description: "List files and directories. Supports recursive listing.",
		Origin:      domain.OriginBuiltin,
		InputSchema: objectSchema(map[string]any{
			"path":        map[string]any{"type": "string", "description": "Directory path to list"},
			"recursive":   map[string]any{"type": "boolean"},
			"show_hidden": map[string]any{"type": "boolean"},
		}, "path"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Path       string `mapstructure:"path"`
				Recursive  bool   `mapstructure:"recursive"`
				ShowHidden bool   `mapstructure:"show_hidden"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			root, err := cfg.resolvePath(in.Path)
			if err != nil {
				return nil, err
			}
			var entries []string
			if in.Recursive {
				err = filepath.WalkDir(root, func(p string, d os.DirEntry, werr error) error {
					if werr != nil {
						return werr
					}
					if p == root {
						return nil
					}
					rel, _ := filepath.Rel(root, p)
					if !in.ShowHidden && hasHiddenPart(rel) {
						if d.IsDir() {
							return filepath.SkipDir
						}
						return nil
					}
					entries = append(entries, formatEntry(d.IsDir(), rel))
					return nil
				})
				if err != nil {
					return nil, err
				}
			} else {
				dirEntries, rerr := os.ReadDir(root)
				if rerr != nil {
					return nil, rerr
				}
				for _, d := range dirEntries {
					if !in.ShowHidden && strings.HasPrefix(d.Name(), ".") {
						continue
					}
					entries = append(entries, formatEntry(d.IsDir(), d.Name()))
				}
			}
			return entries, nil
		},
	}
}

func deleteFileTool(cfg *config) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "delete_file",
		Description: "Delete a file or directory.",
		Origin:      domain.OriginBuiltin,
		InputSchema: objectSchema(map[string]any{
			"path":      map[string]any{"type": "string", "description": "File or directory path to delete"},
			"recursive": map[string]any{"type": "boolean", "description": "Delete directories recursively"},
		}, "path"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Path      string `mapstructure:"path"`
				Recursive bool   `mapstructure:"recursive"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			path, err := cfg.resolvePath(in.Path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			if info.IsDir() && in.Recursive {
				if err := os.RemoveAll(path); err != nil {
					return nil, err
				}
				return fmt.Sprintf("deleted directory %s", in.Path), nil
			}
			if err := os.Remove(path); err != nil {
				return nil, err
			}
			return fmt.Sprintf("deleted %s", in.Path), nil
		},
	}
}

func httpRequestTool(cfg *config) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "http_request",
		Description: "Make HTTP requests (GET, POST, PUT, DELETE, PATCH). Returns status code, headers, and body.",
		Origin:      domain.OriginBuiltin,
		InputSchema: objectSchema(map[string]any{
			"method":  map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "DELETE", "PATCH"}},
			"url":     map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{},
		}, "method", "url"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Method  string            `mapstructure:"method"`
				URL     string            `mapstructure:"url"`
				Headers map[string]string `mapstructure:"headers"`
				Body    any               `mapstructure:"body"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			method := strings.ToUpper(in.Method)

			var reqBody io.Reader
			if in.Body != nil {
				data, err := json.Marshal(in.Body)
				if err != nil {
					return nil, fmt.Errorf("failed to encode request body: %w", err)
				}
				reqBody = strings.NewReader(string(data))
			}
			req, err := http.NewRequestWithContext(ctx, method, in.URL, reqBody)
			if err != nil {
				return nil, err
			}
			for k, v := range in.Headers {
				req.Header.Set(k, v)
			}
			if reqBody != nil && req.Header.Get("Content-Type") == "" {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := cfg.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.maxFileBytes))
			if err != nil {
				return nil, err
			}

			headers := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				headers[k] = resp.Header.Get(k)
			}
			result := map[string]any{
				"status_code": resp.StatusCode,
				"headers":     headers,
				"body":        string(body),
			}
			var parsed any
			if err := json.Unmarshal(body, &parsed); err == nil {
				result["json"] = parsed
			}
			return result, nil
		},
	}
}

func shellTool(cfg *config) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "shell",
		Description: "Execute a shell command. Returns stdout, stderr, and the exit code.",
		Origin:      domain.OriginBuiltin,
		InputSchema: objectSchema(map[string]any{
			"command":         map[string]any{"type": "string", "description": "Shell command to execute"},
			"timeout_seconds": map[string]any{"type": "integer"},
			"dir":             map[string]any{"type": "string", "description": "Working directory"},
		}, "command"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Command        string `mapstructure:"command"`
				TimeoutSeconds int    `mapstructure:"timeout_seconds"`
				Dir            string `mapstructure:"dir"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			timeout := cfg.shellTimeout
			if in.TimeoutSeconds > 0 && time.Duration(in.TimeoutSeconds)*time.Second < timeout {
				timeout = time.Duration(in.TimeoutSeconds) * time.Second
			}
			return runShell(ctx, in.Command, in.Dir, cfg.baseDir, timeout)
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func formatEntry(isDir bool, name string) string {
	if isDir {
		return "DIR  " + name
	}
	return "FILE " + name
}

func hasHiddenPart(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
