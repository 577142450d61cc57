package prover

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	bonsai "github.com/wolfeidau/bonsai-local"
	"github.com/wolfeidau/bonsai-local/proc"
	"github.com/wolfeidau/bonsai-local/version"
)

// Argument placeholders expanded per job.
const (
	ArgImage       = "{image}"
	ArgInput       = "{input}"
	ArgReceipt     = "{receipt}"
	ArgSession     = "{session}"
	ArgAssumptions = "{assumptions}"
)

// DefaultArgs invokes r0vm to prove an ELF with one input file.
var DefaultArgs = []string{"--elf", ArgImage, "--initial-input", ArgInput, "--receipt", ArgReceipt}

// CommandConfig configures a Command engine.
type CommandConfig struct {
	// Path to the prover binary. Default "r0vm".
	Path string

	// Args is the argument template. {assumptions} expands to one argument
	// per assumption file and may appear at most once.
	Args []string

	// WorkDir is the parent of per-job scratch directories. Default os.TempDir().
	WorkDir string

	Logger *slog.Logger
}

// Command is an Engine that shells out to a prover binary. Each job gets a
// scratch directory holding image.elf, input.bin, assumption-N.bin and the
// receipt.bin the tool writes. Execute-only and cycle limits are passed as
// BONSAI_EXECUTE_ONLY and BONSAI_CYCLE_LIMIT.
//
// Stats are read from "key=value" tokens in the tool's output for the keys
// segments, total_cycles and user_cycles.
type Command struct {
	path    string
	args    []string
	workDir string
	logger  *slog.Logger
}

// NewCommand creates a command engine.
func NewCommand(cfg CommandConfig) *Command {
	if cfg.Path == "" {
		cfg.Path = "r0vm"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultArgs
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Command{
		path:    cfg.Path,
		args:    cfg.Args,
		workDir: cfg.WorkDir,
		logger:  cfg.Logger.With("component", "prover-command"),
	}
}

// Version runs "<path> --version" and extracts the version number.
func (c *Command) Version(ctx context.Context) (string, error) {
	res, err := proc.Run(ctx, proc.Spec{Path: c.path, Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", c.path, err)
	}
	v, err := version.Extract(string(res.Stdout) + " " + string(res.Stderr))
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", c.path, err)
	}
	return v.String(), nil
}

// Prove runs the tool for one request.
func (c *Command) Prove(ctx context.Context, req *Request) (*Result, error) {
	dir, err := os.MkdirTemp(c.workDir, "prove-*")
	if err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	imagePath := filepath.Join(dir, "image.elf")
	inputPath := filepath.Join(dir, "input.bin")
	receiptPath := filepath.Join(dir, "receipt.bin")

	if err := os.WriteFile(imagePath, req.Image, 0o600); err != nil {
		return nil, fmt.Errorf("writing image: %w", err)
	}
	if err := os.WriteFile(inputPath, req.Input, 0o600); err != nil {
		return nil, fmt.Errorf("writing input: %w", err)
	}
	assumptionPaths := make([]string, 0, len(req.Assumptions))
	for i, a := range req.Assumptions {
		p := filepath.Join(dir, fmt.Sprintf("assumption-%d.bin", i))
		if err := os.WriteFile(p, a, 0o600); err != nil {
			return nil, fmt.Errorf("writing assumption %d: %w", i, err)
		}
		assumptionPaths = append(assumptionPaths, p)
	}

	args := expandArgs(c.args, map[string]string{
		ArgImage:   imagePath,
		ArgInput:   inputPath,
		ArgReceipt: receiptPath,
		ArgSession: req.SessionID,
	}, assumptionPaths)

	env := []string{"BONSAI_SESSION_ID=" + req.SessionID}
	if req.ExecuteOnly {
		env = append(env, "BONSAI_EXECUTE_ONLY=1")
	}
	if req.CycleLimit > 0 {
		env = append(env, "BONSAI_CYCLE_LIMIT="+strconv.FormatUint(req.CycleLimit, 10))
	}

	c.logger.Debug("running prover", "session_id", req.SessionID, "path", c.path, "args", args)
	res, err := proc.Run(ctx, proc.Spec{Path: c.path, Args: args, Dir: dir, Env: env})
	if err != nil {
		var exitErr *proc.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w: %s", c.path, err, lastLine(exitErr.Result.Stderr))
		}
		return nil, err
	}

	out := &Result{Stats: parseStats(res.Stdout, res.Stderr)}
	receipt, err := os.ReadFile(receiptPath)
	switch {
	case err == nil:
		out.Receipt = receipt
	case errors.Is(err, os.ErrNotExist) && req.ExecuteOnly:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%s exited cleanly without writing a receipt", c.path)
	default:
		return nil, fmt.Errorf("reading receipt: %w", err)
	}
	return out, nil
}

func expandArgs(tmpl []string, vars map[string]string, assumptions []string) []string {
	args := make([]string, 0, len(tmpl)+len(assumptions))
	for _, a := range tmpl {
		if a == ArgAssumptions {
			args = append(args, assumptions...)
			continue
		}
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		args = append(args, a)
	}
	return args
}

func parseStats(streams ...[]byte) bonsai.Stats {
	var stats bonsai.Stats
	for _, s := range streams {
		sc := bufio.NewScanner(bytes.NewReader(s))
		for sc.Scan() {
			for _, field := range strings.Fields(sc.Text()) {
				key, val, ok := strings.Cut(field, "=")
				if !ok {
					continue
				}
				n, err := strconv.ParseUint(strings.TrimRight(val, ",;"), 10, 64)
				if err != nil {
					continue
				}
				switch key {
				case "segments":
					stats.Segments = n
				case "total_cycles":
					stats.TotalCycles = n
				case "user_cycles":
					stats.UserCycles = n
				}
			}
		}
	}
	return stats
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ Engine = (*Command)(nil)
