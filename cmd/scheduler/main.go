// Command scheduler runs the whole delivery pipeline in one process: the
// HTTP API, the periodic scheduler, and the dispatch workers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/beborico1/whatsapp-scheduler/internal/api"
	"github.com/beborico1/whatsapp-scheduler/internal/broker"
	"github.com/beborico1/whatsapp-scheduler/internal/control"
	"github.com/beborico1/whatsapp-scheduler/internal/delivery"
	"github.com/beborico1/whatsapp-scheduler/internal/dispatch"
	"github.com/beborico1/whatsapp-scheduler/internal/lockfile"
	"github.com/beborico1/whatsapp-scheduler/internal/messaging"
	"github.com/beborico1/whatsapp-scheduler/internal/scheduler"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
	"github.com/beborico1/whatsapp-scheduler/internal/util"
	"github.com/beborico1/whatsapp-scheduler/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for scheduler state data.
	DefaultStateDir = "/var/lib/whatsapp-scheduler"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "scheduler.db"
	// DefaultChannel is the delivery channel used when none is configured.
	DefaultChannel = "cloudapi"
	// ShutdownGrace bounds graceful HTTP shutdown.
	ShutdownGrace = 15 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("Scheduler failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Scheduler exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	Channel       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RatePerHour   int
	Burst         int
	MaxAttempts   int
	Workers       int
	FanOut        int
	PollInterval  time.Duration
	Lookahead     time.Duration
	StuckTimeout  time.Duration
}

// Flags holds command line flag values.
type Flags struct {
	stateDir *string
	dbDSN    *string
	apiAddr  *string
	channel  *string
	qrOutput *string
	numeric  *bool
}

// initializeLogger sets up structured logging with debug level.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("SCHEDULER_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		Channel:       os.Getenv("WHATSAPP_CHANNEL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       util.ParseIntEnv("REDIS_DB", 0),
		RatePerHour:   util.ParseIntEnv("SEND_RATE_PER_HOUR", delivery.DefaultRatePerHour),
		Burst:         util.ParseIntEnv("SEND_BURST", delivery.DefaultBurst),
		MaxAttempts:   util.ParseIntEnv("SEND_MAX_ATTEMPTS", delivery.DefaultMaxAttempts),
		Workers:       util.ParseIntEnv("WORKERS", dispatch.DefaultWorkers),
		FanOut:        util.ParseIntEnv("FAN_OUT", dispatch.DefaultFanOut),
		PollInterval:  util.ParseDurationEnv("POLL_INTERVAL", scheduler.DefaultPollInterval),
		Lookahead:     util.ParseDurationEnv("POLL_LOOKAHEAD", scheduler.DefaultLookahead),
		StuckTimeout:  util.ParseDurationEnv("STUCK_TIMEOUT", scheduler.DefaultStuckTimeout),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SCHEDULER_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	// If no database URL is provided, default to SQLite in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SCHEDULER_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"WHATSAPP_CHANNEL", config.Channel,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"SEND_RATE_PER_HOUR", config.RatePerHour,
		"WORKERS", config.Workers,
		"FAN_OUT", config.FanOut,
		"POLL_INTERVAL", config.PollInterval,
		"STUCK_TIMEOUT", config.StuckTimeout)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir: flag.String("state-dir", config.StateDir, "state directory for scheduler data (overrides $SCHEDULER_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN for the schedule store (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:  flag.String("channel", config.Channel, "delivery channel: cloudapi, twilio or whatsmeow (overrides $WHATSAPP_CHANNEL)"),
		qrOutput: flag.String("qr-output", "", "path to write WhatsApp login QR code (whatsmeow channel)"),
		numeric:  flag.Bool("numeric-code", false, "use numeric login code instead of QR code (whatsmeow channel)"),
	}

	flag.Parse()

	// Follow the state directory when the DSN was defaulted from it.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)

	return flags
}

// buildStore opens the schedule store matching the DSN type.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService selects and constructs the delivery channel.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.channel {
	case "twilio":
		return messaging.NewTwilioService()
	case "whatsmeow":
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsmeowService(waClient), nil
	default:
		return messaging.NewCloudAPIService()
	}
}

// buildBroker selects the Redis broker when configured, in-memory otherwise.
func buildBroker(ctx context.Context, config Config) (broker.Broker, error) {
	if config.RedisAddr == "" {
		slog.Debug("No REDIS_ADDR set, using in-memory broker")
		return broker.NewMemoryBroker(0), nil
	}
	return broker.NewRedisBroker(ctx,
		broker.WithAddr(config.RedisAddr),
		broker.WithPassword(config.RedisPassword),
		broker.WithDB(config.RedisDB))
}

func run(config Config, flags Flags) error {
	// One scheduler instance per state directory: the poll and reap jobs
	// assume they are the only producer of dispatch tasks.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	bk, err := buildBroker(ctx, config)
	if err != nil {
		return err
	}
	defer bk.Close()

	svc, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	limiter := delivery.NewHourlyLimiter(config.RatePerHour, config.Burst)
	client := delivery.NewClient(svc, limiter, delivery.WithMaxAttempts(config.MaxAttempts))

	worker := dispatch.NewWorker(st, client, dispatch.WithFanOut(config.FanOut))
	pool := dispatch.NewPool(bk, worker, config.Workers)
	pool.Start(ctx)

	sched := scheduler.New(st, bk,
		scheduler.WithPollInterval(config.PollInterval),
		scheduler.WithLookahead(config.Lookahead),
		scheduler.WithStuckTimeout(config.StuckTimeout))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	ctrl := control.New(st, bk)
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, ctrl, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
	// The scheduler must stop ticking before the broker closes, or a late
	// Poll could enqueue into a closed broker.
	sched.Stop()
	bk.Close()
	pool.Wait()
	return nil
}
