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

	"github.com/gimmicks/leadpipe/internal/api"
	"github.com/gimmicks/leadpipe/internal/dispatch"
	"github.com/gimmicks/leadpipe/internal/extractor"
	"github.com/gimmicks/leadpipe/internal/funnel"
	"github.com/gimmicks/leadpipe/internal/genai"
	"github.com/gimmicks/leadpipe/internal/handoff"
	"github.com/gimmicks/leadpipe/internal/messaging"
	"github.com/gimmicks/leadpipe/internal/quote"
	"github.com/gimmicks/leadpipe/internal/rules"
	"github.com/gimmicks/leadpipe/internal/scheduler"
	"github.com/gimmicks/leadpipe/internal/store"
	"github.com/gimmicks/leadpipe/internal/twiliowhatsapp"
	"github.com/gimmicks/leadpipe/internal/util"
	"github.com/gimmicks/leadpipe/internal/whatsapp"
)

const (
	// DefaultStateDir is the default directory for LeadPipe state data.
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "leadpipe.db"
	// DefaultWhatsmeowDBFileName is the default whatsmeow session database.
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL   string
	WhatsAppDSN   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	Transport     string
	AgentPhone    string
	IdleThreshold time.Duration
	SweepCron     string
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	waDSN         *string
	openaiKey     *string
	apiAddr       *string
	transport     *string
	agentPhone    *string
	idleThreshold *time.Duration
	sweepCron     *string
}

func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LEADPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from the environment and an
// optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:      util.EnvOrDefault("LEADPIPE_STATE_DIR", DefaultStateDir),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       util.EnvOrDefault("API_ADDR", api.DefaultAddr),
		Transport:     util.EnvOrDefault("TRANSPORT", "whatsmeow"),
		AgentPhone:    os.Getenv("AGENT_PHONE"),
		IdleThreshold: util.ParseDurationEnv("IDLE_THRESHOLD", scheduler.DefaultIdleThreshold),
		SweepCron:     util.EnvOrDefault("SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName)
	}

	slog.Debug("environment loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TRANSPORT", config.Transport,
		"AGENT_PHONE_SET", config.AgentPhone != "",
		"IDLE_THRESHOLD", config.IdleThreshold,
		"SWEEP_SCHEDULE", config.SweepCron)
	return config
}

// parseCommandLineFlags parses flags with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the engine store (overrides $DATABASE_URL)"),
		waDSN:         flag.String("wa-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "admin API address (overrides $API_ADDR)"),
		transport:     flag.String("transport", config.Transport, "message transport: whatsmeow or twilio (overrides $TRANSPORT)"),
		agentPhone:    flag.String("agent-phone", config.AgentPhone, "human agent phone for handoff notifications (overrides $AGENT_PHONE)"),
		idleThreshold: flag.Duration("idle-threshold", config.IdleThreshold, "silence window before no_response rules fire (overrides $IDLE_THRESHOLD)"),
		sweepCron:     flag.String("sweep-cron", config.SweepCron, "cron expression for the idle sweep (overrides $SWEEP_SCHEDULE)"),
	}
	flag.Parse()

	// A state-dir override moves the default SQLite files with it, unless the
	// DSNs were set explicitly.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.waDSN == filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName) {
			*flags.waDSN = filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName)
		}
	}
	return flags
}

// ensureDirectoriesExist creates the state directory for file-based storage.
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	var notifier handoff.Notifier = handoff.LogNotifier{}
	if *flags.agentPhone != "" {
		notifier = handoff.NewAgentNotifier(msgService, *flags.agentPhone)
	}

	executor := rules.NewExecutor(st, st)
	driver := funnel.NewDriver(st, extractor.NewExtractor(gaClient), quote.NewAssembler(st), notifier)
	dispatcher := dispatch.NewDispatcher(st, driver, executor, msgService)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	loop := messaging.NewInboundLoop(msgService, dispatcher)
	go loop.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweeper := scheduler.NewSweeper(st, executor, msgService, scheduler.WithIdleThreshold(*flags.idleThreshold))
	if err := sched.AddJob(*flags.sweepCron, func() { sweeper.RunOnce(ctx) }); err != nil {
		return err
	}

	server := api.NewServer(st, msgService, api.WithAddr(*flags.apiAddr))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	slog.Info("LeadPipe running", "transport", *flags.transport, "api_addr", *flags.apiAddr)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// buildStore picks the SQLite or Postgres backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService constructs the configured transport.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.transport {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	default:
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		if *flags.waDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}
}
