package snark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/bonsai-local/proc"
)

const (
	inputFile  = "input.bin"
	outputFile = "output.bin"
	mountPoint = "/mnt"

	// killTimeout bounds the docker rm -f issued after a timeout.
	killTimeout = 30 * time.Second

	// stderrTail is how much container stderr is kept on failure.
	stderrTail = 4 * 1024
)

// DockerConfig configures a Docker converter.
type DockerConfig struct {
	// Path to the docker CLI. Default "docker".
	Path string

	// Image is the prover container image.
	Image string

	// Args are appended after the image.
	Args []string

	// WorkDir holds per-job directories mounted into the container.
	// Default os.TempDir().
	WorkDir string

	// Host overrides DOCKER_HOST for the CLI.
	Host string

	Logger *slog.Logger
}

// DefaultImage is the groth16 prover image.
const DefaultImage = "risczero/risc0-groth16-prover:latest"

// Docker runs the conversion in a container: the receipt is written to
// <job>/input.bin, the directory is mounted at /mnt, and the proof is read
// from <job>/output.bin after the container exits zero.
type Docker struct {
	path    string
	image   string
	args    []string
	workDir string
	host    string
	logger  *slog.Logger
}

// NewDocker creates a docker converter.
func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Path == "" {
		cfg.Path = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Docker{
		path:    cfg.Path,
		image:   cfg.Image,
		args:    cfg.Args,
		workDir: cfg.WorkDir,
		host:    cfg.Host,
		logger:  cfg.Logger.With("component", "snark-docker"),
	}
}

// Check verifies the docker CLI runs.
func (d *Docker) Check(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := proc.Run(ctx, proc.Spec{Path: d.path, Args: []string{"--version"}, Env: d.env()})
	if err != nil {
		return "", fmt.Errorf("docker unavailable (%s --version): %w", d.path, err)
	}
	return string(res.Stdout), nil
}

// Convert runs one container. The caller bounds ctx; when it ends the
// container is removed with docker rm -f, since it belongs to the daemon
// rather than the CLI, and a timed-out ConversionError is returned.
func (d *Docker) Convert(ctx context.Context, receipt []byte) ([]byte, error) {
	if d.workDir != "" {
		if err := os.MkdirAll(d.workDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(d.workDir, "snark-*")
	if err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if err := os.WriteFile(filepath.Join(dir, inputFile), receipt, 0o644); err != nil {
		return nil, fmt.Errorf("writing receipt: %w", err)
	}

	name := "bonsai-snark-" + uuid.NewString()
	args := append([]string{"run", "--rm", "--name", name, "-v", dir + ":" + mountPoint, d.image}, d.args...)
	d.logger.Debug("starting conversion", "dir", dir, "image", d.image, "container", name)

	res, err := proc.Run(ctx, proc.Spec{
		Path:        d.path,
		Args:        args,
		Env:         d.env(),
		OutputLimit: stderrTail,
	})
	if ctx.Err() != nil {
		d.remove(name)
	}
	if err != nil {
		var exitErr *proc.ExitError
		if !errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return nil, &ConversionError{TimedOut: true, ExitCode: -1}
			}
			return nil, fmt.Errorf("running %s: %w", d.path, err)
		}
		return nil, &ConversionError{
			ExitCode: exitErr.Result.ExitCode,
			Stderr:   string(exitErr.Result.Stderr),
			TimedOut: exitErr.Result.Killed,
		}
	}

	proof, err := os.ReadFile(filepath.Join(dir, outputFile))
	if err != nil {
		return nil, &ConversionError{
			ExitCode: res.ExitCode,
			Stderr:   "container exited without writing " + outputFile,
		}
	}
	d.logger.Debug("conversion finished", "duration", res.Duration, "proof_size", len(proof))
	return proof, nil
}

// remove force-removes a container that outlived its deadline. It does not
// return until docker has answered, so the next conversion never overlaps.
func (d *Docker) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	if _, err := proc.Run(ctx, proc.Spec{Path: d.path, Args: []string{"rm", "-f", name}, Env: d.env()}); err != nil {
		d.logger.Warn("removing timed out container", "container", name, "error", err)
		return
	}
	d.logger.Info("removed timed out container", "container", name)
}

func (d *Docker) env() []string {
	if d.host == "" {
		return nil
	}
	return []string{"DOCKER_HOST=" + d.host}
}

var _ Converter = (*Docker)(nil)
