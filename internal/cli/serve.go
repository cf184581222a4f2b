package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/webcore/internal/auth"
	"github.com/Brownie44l1/webcore/internal/config"
	"github.com/Brownie44l1/webcore/internal/dispatch"
	"github.com/Brownie44l1/webcore/internal/logging"
	"github.com/Brownie44l1/webcore/internal/metrics"
	"github.com/Brownie44l1/webcore/internal/response"
	"github.com/Brownie44l1/webcore/internal/server"
	"github.com/Brownie44l1/webcore/internal/users"
)

// Contexts the serve command registers besides static files.
const (
	LoginContext  = "login"
	UploadContext = "upload"
)

const reapInterval = time.Minute

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server.

Settings are read from the built-in defaults, then the file given with
--config, then WEBCORE_* environment variables (--pool-size is
WEBCORE_POOL_SIZE), then the command line flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile, os.LookupEnv)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file. Can also use WEBCORE_CONFIG env var.")
	addConfigFlags(cmd)
	return cmd
}

// addConfigFlags adds one flag per config key, with the built-in
// default shown in the help.
func addConfigFlags(cmd *cobra.Command) {
	def := config.Default()
	for _, key := range config.Keys() {
		usage := fmt.Sprintf("%s. Can also use %s env var.", config.Usage(key), config.EnvName(key))
		cmd.Flags().String(key, def.Get(key), usage)
	}
}

// loadConfig layers the config file, the environment and the flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command, file string, lookup func(string) (string, bool)) (config.Config, error) {
	if file == "" && !cmd.Flags().Changed("config") {
		file, _ = lookup("WEBCORE_CONFIG")
	}
	cfg, err := config.Load(file)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(lookup, cmd.Flags().Changed); err != nil {
		return cfg, err
	}
	for _, key := range config.Keys() {
		if !cmd.Flags().Changed(key) {
			continue
		}
		if err := cfg.Set(key, cmd.Flags().Lookup(key).Value.String()); err != nil {
			return cfg, fmt.Errorf("--%w", err)
		}
	}
	return cfg, cfg.Validate()
}

// runServe wires every component and blocks until ctx is done or the
// shutdown handler stops the server.
func runServe(ctx context.Context, cfg config.Config, log logging.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	types := response.NewContentTypes()
	if cfg.ContentTypes != "" {
		if err := types.LoadOverrides(cfg.ContentTypes); err != nil {
			return err
		}
		log.Info("content types loaded", "path", cfg.ContentTypes, "types", types.Len())
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	dir, err := users.NewRegistry().Open(cfg.Users.Provider, cfg.Users, log)
	if err != nil {
		return err
	}
	if c, ok := dir.(interface{ Close() }); ok {
		defer c.Close()
	}

	authOpts := []auth.Option{auth.WithLogger(log), auth.WithTimeout(cfg.SessionTimeout)}
	if m != nil {
		authOpts = append(authOpts, auth.WithRecorder(m))
	}
	authn := auth.New(dir, authOpts...)

	fileOpts := []dispatch.FileOption{
		dispatch.WithResources(dispatch.Resources()),
		dispatch.WithFileLogger(log),
	}
	if cfg.Cache.Dir != "" {
		cache, err := dispatch.NewContentCache(cfg.Cache.Dir, cfg.Cache.MaxBytes, log)
		if err != nil {
			return err
		}
		defer cache.Close()
		if cfg.Cache.Archive != "" {
			n, err := cache.Load(cfg.Cache.Archive)
			if err != nil {
				return err
			}
			log.Info("content cache loaded", "archive", cfg.Cache.Archive, "files", n)
		}
		fileOpts = append(fileOpts, dispatch.WithCache(cache))
	}

	d := dispatch.New(cfg.Root, cfg.RequireAuth, authn,
		dispatch.WithLogger(log),
		dispatch.WithFileOptions(fileOpts...),
	)
	d.Register(LoginContext, dispatch.LoginFactory(authn, fileOpts...))
	d.Register(dispatch.ShutdownContext, dispatch.ShutdownFactory(stop, fileOpts...))
	d.Register(UploadContext, dispatch.UploadFactory(cfg.UploadDir, cfg.MaxUploadBytes, fileOpts...))

	tlsCfg, err := cfg.LoadTLS()
	if err != nil {
		return err
	}
	srv := server.New(server.Config{
		Addr:           cfg.Addr(),
		TLS:            tlsCfg,
		PoolSize:       cfg.PoolSize,
		QueueSize:      cfg.QueueSize,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Gzip:           cfg.Gzip,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, d, authn,
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithContentTypes(types),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the shutdown handler cancels ctx; a listener failure must stop
		// the other goroutines too
		defer stop()
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		reapSessions(gctx, authn, log)
		return nil
	})

	if m != nil {
		ms, err := metrics.NewServer(cfg.Metrics.Addr, m, log)
		if err != nil {
			return err
		}
		g.Go(ms.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	log.Info("httpserver starting", "version", version, "addr", cfg.Addr(), "tls", tlsCfg != nil,
		"root", cfg.Root, "users", cfg.Users.Provider, "require_auth", cfg.RequireAuth)
	return g.Wait()
}

func reapSessions(ctx context.Context, authn *auth.Authenticator, log logging.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := authn.Reap(); n > 0 {
				log.Debug("expired sessions removed", "count", n)
			}
		}
	}
}
