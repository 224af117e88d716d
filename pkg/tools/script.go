package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/registry"
)

const defaultScriptTimeout = 60 * time.Second

// ScriptRunner executes bundle-declared script tools as subprocesses.
//
// Tool arguments are never passed as command-line flags: they are exported as
// ARBOR_ARG_* environment variables, which keeps model-controlled values out
// of shell parsing entirely. Primitive values are stringified, structured
// ones are JSON-encoded.
type ScriptRunner struct {
	baseDir string
	timeout time.Duration
}

// ScriptOption configures a ScriptRunner.
type ScriptOption func(*ScriptRunner)

// WithScriptBaseDir sets the working directory for script execution.
func WithScriptBaseDir(dir string) ScriptOption {
	return func(r *ScriptRunner) { r.baseDir = dir }
}

// WithScriptTimeout caps per-invocation runtime.
func WithScriptTimeout(d time.Duration) ScriptOption {
	return func(r *ScriptRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewScriptRunner creates a runner for bundle script tools.
func NewScriptRunner(opts ...ScriptOption) *ScriptRunner {
	r := &ScriptRunner{timeout: defaultScriptTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build satisfies registry.ScriptToolBuilder.
func (r *ScriptRunner) Build(bundleID string, cfg registry.BundleScriptConfig) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        cfg.Name,
		Description: cfg.Description,
		InputSchema: cfg.InputSchema,
		Origin:      domain.OriginBundle,
		BundleID:    bundleID,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return r.run(ctx, cfg.Command, cfg.Args, args)
		},
	}
}

func (r *ScriptRunner) run(ctx context.Context, command string, argv []string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Dir = r.baseDir
	cmd.Env = append(cmd.Environ(), encodeArgEnv(args)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("script timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("script failed: %v; stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeOutput(stdout.String()), nil
}

// encodeArgEnv turns tool args into ARBOR_ARG_* environment variables.
func encodeArgEnv(args map[string]any) []string {
	env := make([]string, 0, len(args))
	for k, v := range args {
		var val string
		switch v.(type) {
		case string, int, int64, float64, bool:
			val = fmt.Sprintf("%v", v)
		case nil:
			val = ""
		default:
			if data, err := json.Marshal(v); err == nil {
				val = string(data)
			} else {
				val = fmt.Sprintf("%v", v)
			}
		}
		env = append(env, fmt.Sprintf("ARBOR_ARG_%s=%s", envKey(k), val))
	}
	return env
}

func envKey(k string) string {
	out := make([]rune, 0, len(k))
	for _, r := range strings.ToUpper(k) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// decodeOutput auto-detects JSON on stdout so scripts can return structured
// results; anything else comes back as a trimmed string.
func decodeOutput(output string) any {
	trimmed := strings.TrimSpace(output)
	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return trimmed
}

// runShell executes a command line through the system shell, capturing
// combined output the way an interactive user would see it.
func runShell(ctx context.Context, command, dir, baseDir string, timeout time.Duration) (any, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	} else if baseDir != "" {
		cmd.Dir = baseDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}

	var b strings.Builder
	b.WriteString(stdout.String())
	if stderr.Len() > 0 {
		b.WriteString("\n[stderr]\n")
		b.WriteString(stderr.String())
	}
	fmt.Fprintf(&b, "\n[exit code: %d]", exitCode)
	return b.String(), nil
}
