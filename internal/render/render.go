package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"lectern/internal/logging"
	"lectern/internal/services"
)

// Kind names an artifact layout.
type Kind string

const (
	KindHandout     Kind = "handout"
	KindSpreadsheet Kind = "spreadsheet"
	KindVignette    Kind = "vignette"
	KindMindmap     Kind = "mindmap"
)

// Request is the document handed to a renderer. Data is the stage payload
// for Kind and is serialized as-is.
type Request struct {
	Kind       Kind   `json:"kind"`
	Title      string `json:"title"`
	OutputPath string `json:"output_path"`
	Data       any    `json:"data"`
}

// Renderer produces a local file for a Request and returns its path.
type Renderer interface {
	Render(ctx context.Context, req Request) (string, error)
}

// StdinRunner executes name with args, feeding stdin, and returns stdout.
type StdinRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// Command renders by invoking an external program.
type Command struct {
	argv   []string
	run    StdinRunner
	logger *slog.Logger
}

// CommandOption customises a Command.
type CommandOption func(*Command)

// WithRunner substitutes the process runner.
func WithRunner(run StdinRunner) CommandOption {
	return func(c *Command) {
		if run != nil {
			c.run = run
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) CommandOption {
	return func(c *Command) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCommand splits command on whitespace into program and arguments. An
// empty command yields a renderer that reports a configuration error.
func NewCommand(command string, opts ...CommandOption) *Command {
	c := &Command{argv: strings.Fields(command), run: execStdin, logger: logging.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Render writes req to the command's stdin. The command may print an
// alternative output path on stdout; otherwise req.OutputPath is used.
func (c *Command) Render(ctx context.Context, req Request) (string, error) {
	op := "render " + string(req.Kind)
	if len(c.argv) == 0 {
		return "", services.WithHint(
			services.Wrap(services.ErrConfiguration, "", op, "no render command configured", nil),
			"set tools.render_command in the config file",
		)
	}
	if err := prepareOutput(op, req.OutputPath); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "", op, "encode render request", err)
	}
	started := time.Now()
	out, err := c.run(ctx, payload, c.argv[0], c.argv[1:]...)
	if err != nil {
		if ctx.Err() != nil {
			return "", services.Wrap(services.ErrCancelled, "", op, "render interrupted", ctx.Err())
		}
		return "", services.Wrap(services.ErrPermanent, "", op, "render command failed", err)
	}
	path := req.OutputPath
	if printed := strings.TrimSpace(string(out)); printed != "" && !strings.ContainsAny(printed, "\n{") {
		path = printed
	}
	if err := verifyOutput(op, path); err != nil {
		return "", err
	}
	c.logger.Debug("artifact rendered",
		logging.String("kind", string(req.Kind)),
		logging.String("path", path),
		logging.Duration("elapsed", time.Since(started)),
	)
	return path, nil
}

// Mermaid writes mind map source text.
type Mermaid struct{}

// Render accepts Data as a string or []byte of Mermaid source. The output
// path is forced to a .mmd extension.
func (Mermaid) Render(_ context.Context, req Request) (string, error) {
	op := "render " + string(req.Kind)
	var source string
	switch v := req.Data.(type) {
	case string:
		source = v
	case []byte:
		source = string(v)
	default:
		return "", services.Wrap(services.ErrValidation, "", op, fmt.Sprintf("unsupported mermaid payload %T", req.Data), nil)
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return "", services.Wrap(services.ErrValidation, "", op, "empty mermaid source", nil)
	}
	path := strings.TrimSuffix(req.OutputPath, filepath.Ext(req.OutputPath)) + ".mmd"
	if err := prepareOutput(op, path); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(source+"\n"), 0o644); err != nil {
		return "", services.Wrap(services.ErrStorage, "", op, "write mermaid file", err)
	}
	return path, nil
}

// Mux routes requests by Kind.
type Mux map[Kind]Renderer

// New builds the default routing: the external command for document
// layouts and Mermaid for mind maps.
func New(command string, opts ...CommandOption) Mux {
	cmd := NewCommand(command, opts...)
	return Mux{
		KindHandout:     cmd,
		KindSpreadsheet: cmd,
		KindVignette:    cmd,
		KindMindmap:     Mermaid{},
	}
}

// Render dispatches to the renderer registered for req.Kind.
func (m Mux) Render(ctx context.Context, req Request) (string, error) {
	r, ok := m[req.Kind]
	if !ok || r == nil {
		return "", services.Wrap(services.ErrConfiguration, "", "render", fmt.Sprintf("no renderer for %q", req.Kind), nil)
	}
	return r.Render(ctx, req)
}

func prepareOutput(op, path string) error {
	if strings.TrimSpace(path) == "" {
		return services.Wrap(services.ErrValidation, "", op, "output path required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return services.Wrap(services.ErrStorage, "", op, "create output directory", err)
	}
	return nil
}

func verifyOutput(op, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return services.Wrap(services.ErrPermanent, "", op, "render command produced no file", err)
		}
		return services.Wrap(services.ErrStorage, "", op, "stat rendered file", err)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrPermanent, "", op, "render command produced an empty file", nil)
	}
	return nil
}

func execStdin(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
