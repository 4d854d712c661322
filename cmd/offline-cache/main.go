package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	providerFlag       string
	versionTagFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file (reloaded on update)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config, addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Caching provider to use (sqlite or memory)")
	flag.StringVar(&versionTagFlag, "version", "", "Cache version tag (overrides config)")
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

	var storage cache.Storage
	switch providerFlag {
	case "sqlite":
		dbFilename := dbFilenameFlag
		if dbFilename == "memory" {
			dbFilename = ""
		}
		sqlite, err := cache.NewSQLiteStorage(dbFilename)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache DB")
		}
		defer sqlite.Close()
		storage = sqlite
	case "memory":
		storage = cache.NewMemStorage()
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", providerFlag)
	}

	base := offlinecache.Config{Storage: storage}
	fileConfig, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if err := fileConfig.Apply(&base); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	originHost := ""
	if originFlag != "" {
		originUrl, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Clould not parse url")
		}
		base.OriginURL = *originUrl
	} else if addrFlag != "" {
		originUrl, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Clould not parse url")
		}
		base.OriginURL = *originUrl
		originHost = hostFlag
	} else if base.OriginURL.Host == "" {
		log.Fatal().Msg("Please specify origin")
	}
	if versionTagFlag != "" {
		base.Version = versionTagFlag
	}

	registry := prometheus.NewRegistry()
	base.Metrics = offlinecache.NewMetrics(registry)
	base.Network = offlinecache.NewHTTPNetwork(base.OriginURL.Host, originHost)

	registration := offlinecache.NewRegistration(offlinecache.RegistrationConfig{
		OriginURL: base.OriginURL,
		Network:   base.Network,
	})

	worker, err := offlinecache.NewWorker(base)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}
	// the proxy passes requests through until a version is installed
	if err := registration.Register(context.Background(), worker); err != nil {
		log.Error().Err(err).Msg("Initial install failed")
	}

	handler := offlinecache.NewControlHandler(offlinecache.ControlConfig{
		Registration: registration,
		Gatherer:     registry,
		Update: func(ctx context.Context) (*offlinecache.Worker, error) {
			config := base
			fileConfig, err := loadConfig()
			if err != nil {
				return nil, err
			}
			if err := fileConfig.Apply(&config); err != nil {
				return nil, err
			}
			config.OriginURL = base.OriginURL
			if versionTagFlag != "" {
				config.Version = versionTagFlag
			}
			return offlinecache.NewWorker(config)
		},
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: handler,
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, base.OriginURL.String(), originHost)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown")
	}
	if err := registration.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Background work dropped")
	}
}

func loadConfig() (offlinecache.FileConfig, error) {
	if configFilenameFlag == "" {
		return offlinecache.FileConfig{}, nil
	}
	return offlinecache.LoadConfig(configFilenameFlag)
}
