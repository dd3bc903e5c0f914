package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cachingproxy "github.com/always-cache/caching-proxy"
	"github.com/always-cache/caching-proxy/cache"
	accesslog "github.com/always-cache/caching-proxy/pkg/access-log"
	"github.com/always-cache/caching-proxy/pkg/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "caching-proxy HOST PORT ORIGIN",
		Short:   "HTTP proxy caching origin responses in memory",
		Version: version,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected HOST PORT ORIGIN, got %d arguments", len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := bindFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(f.trace, f.logFile); err != nil {
			return err
		}
		opts, err := f.options(cmd.Flags(), args)
		if err != nil {
			return err
		}
		if err := opts.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, opts)
	}
	return cmd
}

type cliFlags struct {
	configPath    string
	sizeLimit     int
	cleanInterval int
	policy        string
	hitTTL        int
	fetchTimeout  time.Duration
	originHost    string
	accessLog     string
	accessLogRows int
	admin         bool
	trace         bool
	logFile       string
}

func bindFlags(fs *pflag.FlagSet) *cliFlags {
	defaults := cachingproxy.DefaultOptions()
	f := &cliFlags{}
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to YAML config file (flags override it)")
	fs.IntVarP(&f.sizeLimit, "cache-size-limit", "s", defaults.CacheSizeLimit, "Maximum number of cached responses (0 disables caching)")
	fs.IntVarP(&f.cleanInterval, "cache-clean-interval", "i", defaults.CacheCleanInterval, "Seconds between periodic cache sweeps (0 disables them)")
	fs.StringVarP(&f.policy, "eviction-policy", "e", defaults.EvictionPolicy, "Eviction policy: entire, lru or none")
	fs.IntVarP(&f.hitTTL, "hit-ttl", "t", defaults.HitTTL, "Hits a cached response may serve (negative for unlimited)")
	fs.DurationVar(&f.fetchTimeout, "fetch-timeout", defaults.FetchTimeout, "Upper bound for one origin fetch")
	fs.StringVar(&f.originHost, "origin-host", "", "Hostname for origin requests and TLS (if origin is an IP address)")
	fs.StringVar(&f.accessLog, "access-log", defaults.AccessLog, "Access log: memory, off, a SQLite file name or a postgres:// URL")
	fs.IntVar(&f.accessLogRows, "access-log-max-rows", defaults.AccessLogMaxRows, "Access log entries to keep (0 keeps all, the memory log is always capped)")
	fs.BoolVar(&f.admin, "admin", false, "Serve the admin and metrics endpoints under "+cachingproxy.AdminPrefix)
	fs.BoolVar(&f.trace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&f.logFile, "log-file", "", "Log file to use (in addition to stdout)")
	return f
}

// options builds the proxy options: defaults, then the config file,
// then explicitly set flags and the positional arguments.
func (f *cliFlags) options(fs *pflag.FlagSet, args []string) (cachingproxy.Options, error) {
	opts := cachingproxy.DefaultOptions()
	if f.configPath != "" {
		var err error
		if opts, err = cachingproxy.LoadOptions(f.configPath, opts); err != nil {
			return opts, err
		}
	}

	if fs.Changed("cache-size-limit") {
		opts.CacheSizeLimit = f.sizeLimit
	}
	if fs.Changed("cache-clean-interval") {
		opts.CacheCleanInterval = f.cleanInterval
	}
	if fs.Changed("eviction-policy") {
		opts.EvictionPolicy = f.policy
	}
	if fs.Changed("hit-ttl") {
		opts.HitTTL = f.hitTTL
	}
	if fs.Changed("fetch-timeout") {
		opts.FetchTimeout = f.fetchTimeout
	}
	if fs.Changed("origin-host") {
		opts.OriginHost = f.originHost
	}
	if fs.Changed("access-log") {
		opts.AccessLog = f.accessLog
	}
	if fs.Changed("access-log-max-rows") {
		opts.AccessLogMaxRows = f.accessLogRows
	}
	if fs.Changed("admin") {
		opts.Admin = f.admin
	}

	if len(args) == 3 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return opts, fmt.Errorf("%w: port %q is not a number", cachingproxy.ErrInvalidConfig, args[1])
		}
		opts.Host = args[0]
		opts.Port = port
		opts.Origin = args[2]
	}
	return opts, nil
}

// setupLogging configures the global logger.
// The level comes from LOG_LEVEL (info if unset or unknown), trace forces trace level.
func setupLogging(trace bool, logFilename string) error {
	logLevel := zerolog.InfoLevel
	var levelErr error
	env := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if env != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(env))
		if err != nil || level == zerolog.NoLevel {
			levelErr = fmt.Errorf("unknown level %q", env)
		} else {
			logLevel = level
		}
	}
	if trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename != "" {
		logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	if levelErr != nil {
		log.Warn().Err(levelErr).Msg("Ignoring LOG_LEVEL, using info")
	}
	return nil
}

func run(ctx context.Context, opts cachingproxy.Options) error {
	policy, err := opts.Policy()
	if err != nil {
		return err
	}
	originURL, err := opts.OriginURL()
	if err != nil {
		return err
	}

	store := cache.NewStore(cache.StoreConfig{
		Limit:    opts.CacheSizeLimit,
		Policy:   policy,
		Observer: metrics.Observer{},
	})
	janitor := cache.NewJanitor(store, opts.CleanInterval(), nil)

	accessLog, err := accesslog.Open(opts.AccessLog, opts.AccessLogMaxRows)
	if err != nil {
		return fmt.Errorf("open access log: %w", err)
	}

	proxy, err := cachingproxy.New(cachingproxy.Config{
		Store:        store,
		Janitor:      janitor,
		OriginURL:    *originURL,
		OriginHost:   opts.OriginHost,
		HitTTL:       opts.HitTTL,
		FetchTimeout: opts.FetchTimeout,
		AccessLog:    accessLog,
	})
	if err != nil {
		_ = accessLog.Close()
		return err
	}
	defer func() {
		if err := proxy.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close access log")
		}
	}()

	janitor.Start(ctx)

	srv := &http.Server{
		Addr:              opts.Addr(),
		Handler:           proxy.Router(opts.Admin),
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().
		Str("policy", string(policy.Name())).
		Int("sizeLimit", opts.CacheSizeLimit).
		Int("hitTtl", opts.HitTTL).
		Msgf("Proxying %s to %s (with hostname '%s')", opts.Addr(), originURL.String(), opts.OriginHost)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// handlers may still be running until Shutdown returns
	<-shutdownDone
	log.Info().Msg("Server stopped")
	return nil
}
