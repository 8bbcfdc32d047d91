package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/logging"
	"github.com/gobeaver/filezoom/internal/metrics"
	"github.com/gobeaver/filezoom/ops"
)

// localID names the backend that plain paths resolve against.
const localID filezoom.BackendID = "local"

// App holds the state shared by all commands. Tests inject Registry and
// Engine; otherwise setup builds them from the environment and flags.
type App struct {
	Config   *filezoom.Config
	Registry *filezoom.Registry
	Engine   *ops.Engine
	Logger   *zap.Logger
	Prompter Prompter

	Out io.Writer
	Err io.Writer

	flags    rootFlags
	owned    bool
	progress bool
	metrics  *http.Server
}

type rootFlags struct {
	mountsFile  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func (a *App) setup(ctx context.Context) error {
	if a.Out == nil {
		a.Out = os.Stdout
	}
	if a.Err == nil {
		a.Err = os.Stderr
	}
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
	if a.Registry != nil {
		if a.Engine == nil {
			a.Engine = ops.New(a.Registry, a.Config, ops.WithLogger(a.Logger), ops.WithMetrics(false))
		}
		if a.Prompter == nil {
			a.Prompter = skipPrompter{out: a.Err}
		}
		return nil
	}

	cfg, err := filezoom.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	if a.flags.logFormat != "" {
		cfg.LogFormat = a.flags.logFormat
	}
	if a.flags.mountsFile != "" {
		cfg.MountsFile = a.flags.mountsFile
	}
	a.Config = cfg

	logger, _, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	a.Logger = logger
	a.owned = true

	a.Registry = filezoom.NewRegistry(cfg, filezoom.WithLogger(logger))
	if err := a.mountAll(ctx); err != nil {
		return err
	}
	a.Engine = ops.New(a.Registry, cfg, ops.WithLogger(logger))

	if a.flags.metricsAddr != "" {
		a.serveMetrics(a.flags.metricsAddr)
	}
	if a.Prompter == nil {
		if isatty.IsTerminal(os.Stdin.Fd()) {
			a.Prompter = formPrompter{}
		} else {
			a.Prompter = skipPrompter{out: a.Err}
		}
	}
	a.progress = isatty.IsTerminal(os.Stderr.Fd())
	return nil
}

// mountAll mounts the descriptors from the mounts file plus a local
// backend rooted at the filesystem root. A descriptor that fails to mount
// is reported and left out.
func (a *App) mountAll(ctx context.Context) error {
	path := a.Config.MountsFile
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "filezoom", "mounts.yaml")
		}
	}
	var descriptors []filezoom.Descriptor
	if path != "" {
		ds, err := filezoom.LoadDescriptorsFile(path)
		if err != nil {
			return err
		}
		descriptors = ds
	}

	hasLocal := false
	for _, d := range descriptors {
		if d.ID == localID {
			hasLocal = true
		}
	}
	if !hasLocal {
		descriptors = append([]filezoom.Descriptor{{
			ID:      localID,
			Driver:  "local",
			Options: map[string]string{"root": string(filepath.Separator)},
		}}, descriptors...)
	}

	for _, d := range descriptors {
		if _, err := a.Registry.Mount(ctx, d); err != nil {
			fmt.Fprintf(a.Err, "warning: mount %s: %v\n", d.ID, err)
		}
	}
	return nil
}

func (a *App) serveMetrics(addr string) {
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.Logger.Info("metrics server listening", zap.String("addr", addr))
		if err := a.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Close stops running operations and unmounts everything setup mounted.
func (a *App) Close() error {
	if !a.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := a.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

// path resolves a command-line argument. "id:/a/b" addresses a mounted
// backend; anything else is a path on the local disk.
func (a *App) path(arg string) (filezoom.Path, error) {
	if id, _, ok := strings.Cut(arg, ":"); ok && a.Registry.Available(filezoom.BackendID(id)) {
		return a.Registry.Parse(arg)
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return filezoom.Path{}, fmt.Errorf("resolve %s: %w", arg, err)
	}
	if vol := filepath.VolumeName(abs); vol != "" {
		abs = strings.TrimPrefix(abs, vol)
	}
	return a.Registry.Normalize(filepath.ToSlash(abs), localID)
}

func (a *App) paths(args []string) ([]filezoom.Path, error) {
	out := make([]filezoom.Path, 0, len(args))
	for _, arg := range args {
		p, err := a.path(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
