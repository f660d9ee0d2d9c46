package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	offlinecache "github.com/offline-cache/offline-cache"
	"github.com/offline-cache/offline-cache/control"
	"github.com/offline-cache/offline-cache/store"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	configFlag         string
	originFlag         string
	versionFlag        int
	storeFlag          string
	dbPathFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Deployment config file (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to front (overrides config)")
	flag.IntVar(&versionFlag, "worker-version", 0, "Worker version token (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&storeFlag, "store", "", "Store backend: memory, sqlite or leveldb (overrides config)")
	flag.StringVar(&dbPathFlag, "db", "", "Store path (sqlite file or leveldb directory)")
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
		With().Str("version", version).Logger()

	fileConfig := offlinecache.FileConfig{}
	if configFlag != "" {
		var err error
		fileConfig, err = offlinecache.LoadConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}
	if originFlag != "" {
		fileConfig.Origin = originFlag
	}
	if versionFlag != 0 {
		fileConfig.Version = versionFlag
	}
	if storeFlag != "" {
		fileConfig.Store.Backend = storeFlag
	}
	if dbPathFlag != "" {
		fileConfig.Store.Path = dbPathFlag
	}

	if fileConfig.Version == 0 {
		log.Fatal().Msg("Please specify a worker version")
	}
	originURL, err := fileConfig.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify origin")
	}
	provider, err := fileConfig.OpenProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache store")
	}
	defer closeProvider(provider)

	acache := offlinecache.CreateCache(offlinecache.Config{
		Provider:  provider,
		OriginURL: originURL,
		Version:   fileConfig.Version,
		Rules:     fileConfig.Routes,
		Manifest:  fileConfig.Precache,
		Logger:    &log.Logger,
	})

	// install fails atomically if any mandatory asset is unreachable;
	// there is nothing useful to serve in that case
	if err := acache.Register(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Worker install failed")
	}

	router := chi.NewRouter()
	router.Mount("/_offline", control.Handler(acache.Registration(), &log.Logger))
	router.Handle("/*", acache)

	log.Info().Msgf("Fronting port %v to %s (worker version %d)", portFlag, originURL.String(), fileConfig.Version)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func closeProvider(provider store.Provider) {
	if err := provider.Close(); err != nil {
		log.Warn().Err(err).Msg("Could not close cache store")
	}
}
