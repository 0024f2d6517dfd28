package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/toothpaste/toothpaste/internal/dispatcher"
	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/internal/metrics"
	"github.com/toothpaste/toothpaste/pkg/cli"
	"github.com/toothpaste/toothpaste/pkg/connector/ble"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
	"github.com/toothpaste/toothpaste/pkg/output"
)

const (
	EnvMetricsAddr   = "TOOTHPASTE_METRICS_ADDR"
	EnvPairingWindow = "TOOTHPASTE_PAIRING_WINDOW"
	EnvVerbose       = "TOOTHPASTE_VERBOSE"
	EnvLogLevel      = "TOOTHPASTE_LOG_LEVEL"

	defaultPairingWindow = time.Minute
)

type ReceiverConfig struct {
	debug         bool
	logLevel      string
	pair          bool
	pairingWindow time.Duration
	metricsAddr   string
	capacity      int
}

var (
	receiverConfig = &ReceiverConfig{}
)

func init() {
	flag.BoolVar(&receiverConfig.debug, "debug", false, "Enable verbose debugging messages")
	flag.StringVar(&receiverConfig.logLevel, "log-level", "", "Log `level` (error, warning, info or debug). Overridden by -debug.")
	flag.BoolVar(&receiverConfig.pair, "pair", false, "Start in pairing mode and stay there until SIGUSR2")
	flag.DurationVar(&receiverConfig.pairingWindow, "pairing-window", defaultPairingWindow, "How long pairing mode lasts after SIGUSR1")
	flag.StringVar(&receiverConfig.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on `address` (e.g. localhost:9370)")
	flag.IntVar(&receiverConfig.capacity, "max-devices", enrollment.MaxPairedDevices, "Maximum number of enrolled transmitters")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA toothpaste receiver: accepts encrypted keystrokes from paired transmitters and types them")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Send SIGUSR1 to accept new transmitters for -pairing-window, SIGUSR2 to stop.")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if receiverConfig.metricsAddr == "" {
		receiverConfig.metricsAddr = os.Getenv(EnvMetricsAddr)
	}

	if receiverConfig.logLevel == "" {
		receiverConfig.logLevel = os.Getenv(EnvLogLevel)
	}

	if !receiverConfig.debug {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			receiverConfig.debug = verbose != "false" && verbose != "0"
		}
	}

	if receiverConfig.pairingWindow == defaultPairingWindow {
		if window, ok := os.LookupEnv(EnvPairingWindow); ok && window != "" {
			var err error
			receiverConfig.pairingWindow, err = time.ParseDuration(window)
			if err != nil {
				// Accept a bare number of seconds as well.
				seconds, convErr := strconv.Atoi(window)
				if convErr != nil {
					return fmt.Errorf("invalid pairing window: %s", window)
				}
				receiverConfig.pairingWindow = time.Duration(seconds) * time.Second
			}
		}
	}
	return nil
}

func serveMetrics(m *metrics.Metrics, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped: %s", err)
		}
	}()
	return server
}

func main() {
	config, err := cli.NewConfig(cli.FlagTransport | cli.FlagKeyring | cli.FlagServe)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			if ble.IsAdapterError(err) {
				fmt.Fprintln(os.Stderr, ble.AdapterErrorHelpMessage(err))
			}
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	config.ReadFromEnvironment()

	level := log.LevelInfo
	if receiverConfig.debug {
		level = log.LevelDebug
	} else if receiverConfig.logLevel != "" {
		if level, err = log.ParseLevel(receiverConfig.logLevel); err != nil {
			return
		}
	}
	log.SetLevel(level)

	var store *enrollment.Store
	store, err = config.OpenEnrollmentStore(enrollment.WithCapacity(receiverConfig.capacity))
	if err != nil {
		return
	}
	log.Info("Loaded %d of %d enrollments", store.Len(), store.Capacity())

	m := metrics.New()
	if receiverConfig.metricsAddr != "" {
		server := serveMetrics(m, receiverConfig.metricsAddr)
		defer server.Close()
	}

	periph, err := config.Peripheral()
	if err != nil {
		return
	}
	defer periph.Close()

	var d *dispatcher.Dispatcher
	d, err = dispatcher.New(periph, dispatcher.Config{
		Store:       store,
		Output:      output.NewConsole(os.Stdout),
		Metrics:     m,
		PairingMode: receiverConfig.pair,
	})
	if err != nil {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	watchPairingSignals(ctx, d, receiverConfig.pairingWindow)

	log.Info("Receiver ready (pairing mode %v)", d.PairingMode())
	if err = d.Run(ctx); errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("Receiver stopped")
}
