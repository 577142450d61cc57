// Command bonsai-local is a local Bonsai compatible proving service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/bonsai-local/backend"
	"github.com/wolfeidau/bonsai-local/blob"
	"github.com/wolfeidau/bonsai-local/prover"
	"github.com/wolfeidau/bonsai-local/registry"
	"github.com/wolfeidau/bonsai-local/scheduler"
	"github.com/wolfeidau/bonsai-local/server"
	"github.com/wolfeidau/bonsai-local/snark"
	"github.com/wolfeidau/bonsai-local/telemetry"
	"github.com/wolfeidau/bonsai-local/version"
)

// Set by the release build.
var buildVersion = "dev"

type cli struct {
	ServerURL     string `help:"Base URL returned to clients (http:// or https://). Derived from request headers when empty." env:"BONSAI_SERVER_URL"`
	ListenAddress string `help:"Address to listen on." default:"127.0.0.1:8080" env:"BONSAI_LISTEN_ADDRESS"`
	APIKey        string `help:"Require this value in the x-api-key header." env:"BONSAI_API_KEY"`

	TTL       seconds `help:"How long finished sessions stay retrievable, in seconds or as a duration such as 4h. 0 keeps them forever." default:"14400" env:"BONSAI_TTL"`
	TTLPolicy string  `help:"Expiry policy." enum:"absolute,sliding" default:"absolute" env:"BONSAI_TTL_POLICY"`

	ChannelBufferSize int `help:"Proving queue capacity, counting running jobs." default:"8" env:"BONSAI_CHANNEL_BUFFER_SIZE"`
	SnarkBufferSize   int `help:"SNARK conversion queue capacity." default:"8" env:"BONSAI_SNARK_BUFFER_SIZE"`
	Workers           int `help:"Concurrent proving workers." default:"1" env:"BONSAI_WORKERS"`

	R0vmVersion string   `help:"Required r0vm version as <major>.<minor>." env:"BONSAI_R0VM_VERSION"`
	R0vmPath    string   `help:"Path to the r0vm binary." default:"r0vm" env:"BONSAI_R0VM_PATH"`
	R0vmArgs    []string `help:"r0vm argument template." env:"BONSAI_R0VM_ARGS"`

	Storage string `help:"Storage directory for blobs and the index." default:"./bonsai-data" type:"path" env:"BONSAI_STORAGE"`

	DockerPath      string        `help:"Path to the docker CLI." default:"docker" env:"BONSAI_DOCKER_PATH"`
	DockerHost      string        `help:"Docker daemon socket, overrides DOCKER_HOST for the CLI." env:"BONSAI_DOCKER_HOST"`
	SnarkImage      string        `help:"Groth16 prover image." default:"${snark_image}" env:"BONSAI_SNARK_IMAGE"`
	SnarkArgs       []string      `help:"Extra arguments passed to the prover container." env:"BONSAI_SNARK_ARGS"`
	SnarkWorkdir    string        `help:"Directory for conversion scratch space, must be mountable by docker." type:"path" env:"BONSAI_SNARK_WORKDIR"`
	SnarkTimeout    time.Duration `help:"Timeout for one SNARK conversion." default:"10m" env:"BONSAI_SNARK_TIMEOUT"`
	SkipDockerCheck bool          `help:"Start without checking the docker CLI." env:"BONSAI_SKIP_DOCKER_CHECK"`

	MaxConnections  int           `help:"Maximum concurrent client connections, 0 is unlimited." env:"BONSAI_MAX_CONNECTIONS"`
	ShutdownTimeout time.Duration `help:"How long to wait for running jobs on shutdown." default:"30s" env:"BONSAI_SHUTDOWN_TIMEOUT"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"BONSAI_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"BONSAI_LOG_FORMAT"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." env:"BONSAI_PROMETHEUS"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// Validate is called by kong after parsing.
func (c *cli) Validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("server url must use http:// or https://")
		}
	}
	if c.ChannelBufferSize < 1 || c.SnarkBufferSize < 1 {
		return errors.New("buffer sizes must be at least 1")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	return nil
}

// seconds is a duration flag that also accepts a bare number of seconds.
type seconds time.Duration

func (s *seconds) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		*s = seconds(time.Duration(n) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("expected seconds or a duration: %w", err)
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	*s = seconds(d)
	return nil
}

func newParser(c *cli) (*kong.Kong, error) {
	return kong.New(c,
		kong.Name("bonsai-local"),
		kong.Description("Local Bonsai REST API server."),
		kong.Vars{"version": buildVersion, "snark_image": snark.DefaultImage},
	)
}

func main() {
	var c cli
	parser, err := newParser(&c)
	if err != nil {
		panic(err)
	}
	_, err = parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(c.run())
}

func (c *cli) logger() *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))

	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler)
}

func (c *cli) run() error {
	logger := c.logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   buildVersion,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	blobs, err := c.openBlobs(logger)
	if err != nil {
		return err
	}
	defer func() { _ = blobs.Close() }()

	engine := prover.NewCommand(prover.CommandConfig{
		Path:    c.R0vmPath,
		Args:    c.R0vmArgs,
		WorkDir: filepath.Join(c.Storage, "tmp"),
		Logger:  logger,
	})
	installed, err := engine.Version(ctx)
	if err != nil {
		return fmt.Errorf("detecting r0vm version: %w", err)
	}
	gatekeeper, err := version.NewGatekeeper(installed)
	if err != nil {
		return err
	}
	if c.R0vmVersion != "" {
		if err := gatekeeper.Require(c.R0vmVersion); err != nil {
			return err
		}
	}
	logger.Info("r0vm detected", "path", c.R0vmPath, "version", installed)

	docker := snark.NewDocker(snark.DockerConfig{
		Path:    c.DockerPath,
		Image:   c.SnarkImage,
		Args:    c.SnarkArgs,
		WorkDir: c.SnarkWorkdir,
		Host:    c.DockerHost,
		Logger:  logger,
	})
	if !c.SkipDockerCheck {
		dv, err := docker.Check(ctx)
		if err != nil {
			return fmt.Errorf("%w (use --skip-docker-check to start without SNARK support)", err)
		}
		logger.Info("docker detected", "version", dv)
	}

	policy, err := registry.ParsePolicy(c.TTLPolicy)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Config{
		Blobs:          blobs,
		Engine:         engine,
		Converter:      docker,
		Gatekeeper:     gatekeeper,
		Workers:        c.Workers,
		QueueSize:      c.ChannelBufferSize,
		SnarkQueueSize: c.SnarkBufferSize,
		SnarkTimeout:   c.SnarkTimeout,
		TTL:            time.Duration(c.TTL),
		Policy:         policy,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	// Jobs outlive the signal so Stop can drain them.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	sched.Start(workCtx)

	srv, err := server.New(server.Config{
		Address:        c.ListenAddress,
		ServerURL:      c.ServerURL,
		APIKey:         c.APIKey,
		MaxConnections: c.MaxConnections,
		Scheduler:      sched,
		Blobs:          blobs,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", c.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("abandoning running jobs", "error", err)
			cancelWork()
		}
		return nil
	})

	logger.Info("bonsai-local ready",
		"listen_address", c.ListenAddress,
		"api_url", apiURL(c.ServerURL, c.ListenAddress))
	return g.Wait()
}

func (c *cli) openBlobs(logger *slog.Logger) (*blob.Store, error) {
	tmp := filepath.Join(c.Storage, "tmp")
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}
	fs, err := backend.NewFilesystem(filepath.Join(c.Storage, "content"))
	if err != nil {
		return nil, fmt.Errorf("opening content backend: %w", err)
	}
	blobs, err := blob.Open(blob.Config{
		Backend:   backend.NewInstrumented(backend.NewCompressed(fs), "filesystem"),
		IndexPath: filepath.Join(c.Storage, "index.db"),
		TempDir:   tmp,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	return blobs, nil
}

func apiURL(serverURL, listen string) string {
	if serverURL != "" {
		return serverURL
	}
	return "http://" + listen
}
