// stepsyncd - Daily step count reconciliation daemon
//
// stepsyncd owns one number per user per day: the agreed step count
// reconciled across the device sensor, the shared platform health
// ledger, and the cloud record.
//
//	stepsyncd run       Run the reconciliation daemon
//	stepsyncd check     Validate the configuration and exit
//	stepsyncd version   Print the version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stepsyncd/internal/api"
	"stepsyncd/internal/cloudledger"
	"stepsyncd/internal/config"
	"stepsyncd/internal/engine"
	"stepsyncd/internal/health"
	"stepsyncd/internal/healthbridge"
	"stepsyncd/internal/logging"
	"stepsyncd/internal/metrics"
	"stepsyncd/internal/model"
	"stepsyncd/internal/retry"
	"stepsyncd/internal/rollover"
	"stepsyncd/internal/sensor"
	"stepsyncd/internal/store"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		if err := cmdRun(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "stepsyncd: %v\n", err)
			os.Exit(1)
		}
	case "check":
		if err := cmdCheck(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "stepsyncd: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := cmdStatus(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "stepsyncd: %v\n", err)
			os.Exit(1)
		}
	case "version", "-v", "--version":
		fmt.Printf("stepsyncd %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`stepsyncd - Daily step count reconciliation daemon

USAGE:
    stepsyncd <command> [options]

COMMANDS:
    run         Run the reconciliation daemon
    check       Validate the configuration and exit
    status      Query a running daemon for today's count
    version     Print the version
    help        Show this help message

OPTIONS (run, check):
    -config <path>   Configuration file (default: ` + config.DefaultPath() + `)

The daemon reconciles the device step counter with the shared platform
health ledger and the cloud record, and serves the agreed counts on a
local HTTP API for stepctl and other integrations.`)
}

func cmdCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("configuration ok: user=%s storage=%s\n", cfg.UserID, cfg.Storage.Path)
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("the api is disabled in the configuration; status needs it")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + cfg.API.Listen + "/v1/overall")
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	var body api.OverallResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	fmt.Printf("%s: %d steps today, %d overall\n",
		body.Today.Date, body.Today.Steps, body.OverallSteps)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "configuration file")
	simulated := fs.Bool("simulated", false, "force the simulated sensor")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *simulated {
		cfg.Sensor.Simulated = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg, err := cfg.LoggingSetup()
	if err != nil {
		return err
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("stepsyncd starting", "version", version, "user", cfg.UserID)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	writerID, err := st.WriterID()
	if err != nil {
		return fmt.Errorf("writer identity: %w", err)
	}

	src, err := buildSensor(cfg)
	if err != nil {
		return err
	}

	bridge, changes, closeBridge, err := buildHealthBridge(cfg, writerID, log)
	if err != nil {
		return err
	}
	defer closeBridge()

	cloud, err := buildCloudLedger(cfg, log)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	engMetrics := metrics.NewEngine(registry)

	sched := rollover.NewScheduler(rollover.SystemClock{})
	sched.Start()
	defer sched.Stop()

	eng, err := engine.New(engine.Config{
		UserID:            cfg.UserID,
		Profile:           cfg.BiometricProfile(),
		SyncInterval:      cfg.SyncInterval(),
		IOTimeout:         cfg.IOTimeout(),
		SensorReadTimeout: cfg.SensorReadTimeout(),
		SensorRetry: retry.Policy{
			Attempts: cfg.Sensor.ReadRetries,
			Backoff:  cfg.SensorRetryDelay(),
		},
		DegradedGrace:   cfg.DegradedGrace(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}, engine.Deps{
		Sensor:        src,
		Store:         st,
		Health:        bridge,
		Cloud:         cloud,
		Rollover:      sched.C(),
		HealthChanges: changes,
		Log:           log,
		Metrics:       engMetrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	checker := buildChecker(eng, st, bridge, cloud, cfg)

	var server *http.Server
	if cfg.API.Enabled {
		server = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.NewServer(eng, checker, registry, log).Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("api listening", "addr", cfg.API.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("api server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		server.Shutdown(shutdownCtx)
		cancel()
	}

	if err := eng.Stop(); err != nil {
		log.Warn("engine stop", "error", err)
	}

	log.Info("stepsyncd stopped")
	return nil
}

func buildSensor(cfg *config.Config) (sensor.Source, error) {
	if cfg.Sensor.Simulated {
		return sensor.NewSimulated(0), nil
	}
	// Platform counter integrations hook in here; this build ships the
	// simulated source only.
	return nil, fmt.Errorf("no platform sensor in this build; set sensor.simulated or pass -simulated")
}

func buildHealthBridge(cfg *config.Config, writerID string, log *logging.Logger) (healthbridge.Bridge, <-chan struct{}, func(), error) {
	if cfg.HealthLedger.Dir == "" {
		log.Info("health ledger disabled, using in-memory bridge")
		return healthbridge.NewMemory(), nil, func() {}, nil
	}

	ledger, err := healthbridge.NewFileLedger(cfg.HealthLedger.Dir, writerID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open health ledger: %w", err)
	}

	var changes <-chan struct{}
	if cfg.HealthLedger.Watch {
		if err := ledger.Watch(); err != nil {
			log.Warn("health ledger watch unavailable", "error", err)
		} else {
			changes = ledger.Changes()
		}
	}

	return ledger, changes, func() { ledger.Close() }, nil
}

func buildCloudLedger(cfg *config.Config, log *logging.Logger) (cloudledger.Ledger, error) {
	if cfg.Cloud.BaseURL == "" {
		log.Info("cloud sync disabled, using in-memory ledger")
		return cloudledger.NewMemory(), nil
	}

	opts := []cloudledger.Option{}
	if cfg.Cloud.Token != "" {
		opts = append(opts, cloudledger.WithToken(cfg.Cloud.Token))
	}
	if cfg.Cloud.TimeoutSec > 0 {
		opts = append(opts, cloudledger.WithTimeout(time.Duration(cfg.Cloud.TimeoutSec)*time.Second))
	}
	return cloudledger.NewHTTPLedger(cfg.Cloud.BaseURL, opts...)
}

func buildChecker(eng *engine.Engine, st *store.Store, bridge healthbridge.Bridge, cloud cloudledger.Ledger, cfg *config.Config) *health.Checker {
	checker := health.NewChecker()

	checker.Register(&health.Component{
		Name:     "sensor",
		Critical: false,
		Check: func(ctx context.Context) health.CheckResult {
			if eng.Degraded() {
				return health.CheckResult{
					Status:  health.StatusDegraded,
					Message: "sensor unavailable, counting from last observed value",
				}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})

	checker.Register(&health.Component{
		Name:     "store",
		Critical: true,
		Check: func(ctx context.Context) health.CheckResult {
			if _, _, err := st.LoadState(cfg.UserID); err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})

	checker.Register(&health.Component{
		Name:     "health_ledger",
		Critical: false,
		Check: func(ctx context.Context) health.CheckResult {
			if _, err := bridge.ReadTotalForDate(ctx, model.DayOf(time.Now())); err != nil {
				return health.CheckResult{Status: health.StatusDegraded, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})

	checker.Register(&health.Component{
		Name:     "cloud",
		Critical: false,
		Check: func(ctx context.Context) health.CheckResult {
			if _, err := cloud.Get(ctx, cfg.UserID, model.DayOf(time.Now())); err != nil {
				return health.CheckResult{Status: health.StatusDegraded, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})

	return checker
}
