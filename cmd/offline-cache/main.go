package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/content"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	siteFlag           string
	dbFilenameFlag     string
	cacheVersionFlag   string
	routesFlag         string
	warmFlag           bool
	holdWaitingFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to fetch from")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&siteFlag, "site", "", "Site origin as seen by browsers (defaults to the origin)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Cache version tag, bump to drop all cached content")
	flag.StringVar(&routesFlag, "routes", "", "Route manifest of the site build")
	flag.BoolVar(&warmFlag, "warm", false, "Navigate all published routes after activation")
	flag.BoolVar(&holdWaitingFlag, "hold-waiting", false, "Wait for a SKIP_WAITING message before replacing the active version")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	applyFlags(&config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// applyFlags overrides config file values with the flags that were set.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "addr":
			config.Addr = addrFlag
		case "host":
			config.Host = hostFlag
		case "site":
			config.Site = siteFlag
		case "port":
			config.Port = portFlag
		case "db":
			config.DB = dbFilenameFlag
		case "cache-version":
			config.Version = cacheVersionFlag
		case "routes":
			config.Routes = routesFlag
		case "warm":
			config.Warm = warmFlag
		case "hold-waiting":
			config.HoldWaiting = holdWaitingFlag
		}
	})
}

func run(ctx context.Context, config Config, logger zerolog.Logger) error {
	originURL, err := config.originURL()
	if err != nil {
		return err
	}
	siteURL, err := config.siteURL()
	if err != nil {
		return err
	}
	if config.siteDefaulted() {
		logger.Warn().Str("site", siteURL.String()).
			Msg("No site or host configured, requests for other origins pass through uncached")
	}

	var routes []content.Route
	if config.Routes != "" {
		m, err := content.Load(config.Routes)
		if err != nil {
			return err
		}
		routes = m.Published()
		logger.Info().Int("routes", len(routes)).Msg("Loaded route manifest")
	}

	storage, err := cache.NewSQLiteStorage(config.dbFilename())
	if err != nil {
		return err
	}
	defer storage.Close()

	fetcher := offlinecache.NewOriginFetcher(offlinecache.OriginConfig{
		OriginURL:  *originURL,
		OriginHost: config.Host,
		Timeout:    config.Timeout,
		Logger:     &logger,
	})
	reg := offlinecache.NewRegistration(fetcher)
	controller, err := offlinecache.CreateController(offlinecache.Config{
		Storage:     storage,
		Fetcher:     fetcher,
		Origin:      *siteURL,
		App:         config.App,
		Version:     config.Version,
		Manifest:    config.Manifest,
		OfflinePath: config.OfflinePath,
		ScriptPath:  config.ScriptPath,
		HoldWaiting: config.HoldWaiting,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}
	// a failed install leaves the site reachable without offline support
	if err := reg.Register(ctx, controller); err != nil {
		logger.Error().Err(err).Msg("Could not register controller, passing requests through")
	}
	if config.Warm && reg.Active() != nil {
		if _, err := offlinecache.Warm(ctx, reg, routes); err != nil {
			logger.Warn().Err(err).Msg("Could not warm pages")
		}
	}

	port := config.Port
	if port <= 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: offlinecache.NewRouter(reg, logger),
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Serving %s on port %v from %s (with hostname '%s')",
			siteURL.String(), port, originURL.String(), config.Host)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// let background cache writes finish before closing storage
	return reg.Wait(shutdownCtx)
}
