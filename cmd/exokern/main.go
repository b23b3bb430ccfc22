package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/exokern/internal/fsimage"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/config"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/server"
	"github.com/GriffinCanCode/exokern/internal/kernel"
	"github.com/GriffinCanCode/exokern/internal/manifest"
	"github.com/GriffinCanCode/exokern/internal/memfs"
	"github.com/GriffinCanCode/exokern/internal/programs"
)

func main() {
	cfg := config.LoadOrDefault()

	// Flags override the environment
	flag.IntVar(&cfg.Kernel.MaxEnvs, "nenv", cfg.Kernel.MaxEnvs, "Environment table size")
	flag.IntVar(&cfg.Kernel.Pages, "pages", cfg.Kernel.Pages, "Physical pages")
	flag.IntVar(&cfg.Kernel.Quantum, "quantum", cfg.Kernel.Quantum, "System calls per time slice (0 disables preemption)")
	flag.Float64Var(&cfg.Kernel.DispatchRate, "rate", cfg.Kernel.DispatchRate, "Dispatches per second (0 is unlimited)")
	flag.BoolVar(&cfg.Kernel.Idle, "idle", cfg.Kernel.Idle, "Run an idle environment in slot 0")
	flag.StringVar(&cfg.Boot.Image, "image", cfg.Boot.Image, "Host directory loaded into the file system")
	flag.StringVar(&cfg.Boot.Include, "include", cfg.Boot.Include, "Glob selecting image files")
	flag.StringVar(&cfg.Boot.Manifest, "manifest", cfg.Boot.Manifest, "Boot manifest (.yaml or .toml)")
	flag.StringVar(&cfg.Boot.Init, "init", cfg.Boot.Init, "Path of the init image")
	flag.BoolVar(&cfg.Server.Enabled, "status", cfg.Server.Enabled, "Serve kernel status over HTTP")
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "Status server port")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "exokern: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var k *kernel.Kernel
	k = kernel.New(kernel.Config{
		MaxEnvs:      cfg.Kernel.MaxEnvs,
		Pages:        cfg.Kernel.Pages,
		Quantum:      cfg.Kernel.Quantum,
		DispatchRate: cfg.Kernel.DispatchRate,
		Console:      os.Stdout,
		Logger:       logger.Logger,
		Monitor: func() {
			st := k.Pages()
			logger.Info("Monitor", zap.Int("pages_used", st.Used), zap.Int("pages_free", st.Free))
		},
	})
	defer k.Close()

	logger.Info("Booting kernel",
		logging.KernelID(k.ID()),
		zap.Int("nenv", cfg.Kernel.MaxEnvs),
		zap.Int("pages", cfg.Kernel.Pages),
		zap.Int("quantum", cfg.Kernel.Quantum),
	)

	fs := memfs.New(k.Allocator())
	k.Devtab().Register(fs.Dev())
	programs.Register(k, fs)
	if err := populate(ctx, cfg.Boot, fs, logger); err != nil {
		return err
	}

	if cfg.Kernel.Idle {
		if _, err := k.StartIdle(programs.Idle); err != nil {
			return err
		}
	}
	if _, err := k.Start("boot", programs.Boot(fs, cfg.Boot.Init)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := k.Run(gctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("Kernel interrupted")
			return nil
		}
		if err == nil && cfg.Server.Enabled {
			logger.Info("Kernel halted, status server still running")
		}
		return err
	})
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, k, fs, logger, cfg.Logging.Development)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}

// populate fills the file system: the init image, then the host image
// directory, then the manifest. Without a manifest the image directory's
// own boot table is used if it has one, and the default manifest otherwise.
func populate(ctx context.Context, cfg config.BootConfig, fs *memfs.FS, logger *logging.Logger) error {
	if err := programs.Install(fs, cfg.Init); err != nil {
		return fmt.Errorf("failed to install init: %w", err)
	}

	if cfg.Image != "" {
		files, err := fsimage.Load(ctx, fs, cfg.Image, cfg.Include)
		if err != nil {
			return fmt.Errorf("failed to load image %s: %w", cfg.Image, err)
		}
		for _, f := range files {
			logger.Debug("Loaded file",
				zap.String("path", f.Path),
				zap.Int("size", f.Size),
				zap.String("mime", f.MIME),
				zap.Bool("compressed", f.Compressed),
			)
		}
		logger.Info("Image loaded", zap.String("dir", cfg.Image), zap.Int("files", len(files)))
	}

	m := manifest.Default()
	if cfg.Manifest != "" {
		var err error
		if m, err = manifest.Load(cfg.Manifest); err != nil {
			return err
		}
	} else if _, err := fs.Stat(manifest.BootTable); err == nil {
		logger.Info("Using boot table from image")
		return nil
	}
	if err := m.Install(fs); err != nil {
		return err
	}
	logger.Info("Manifest installed", zap.Int("images", len(m.Images)), zap.Int("boot", len(m.Boot)))
	return nil
}
