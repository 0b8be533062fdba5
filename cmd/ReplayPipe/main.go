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

	"github.com/ReplayDeck/ReplayPipe/internal/api"
	"github.com/ReplayDeck/ReplayPipe/internal/genai"
	"github.com/ReplayDeck/ReplayPipe/internal/lockfile"
	"github.com/ReplayDeck/ReplayPipe/internal/recovery"
	"github.com/ReplayDeck/ReplayPipe/internal/relay"
	"github.com/ReplayDeck/ReplayPipe/internal/scenario"
	"github.com/ReplayDeck/ReplayPipe/internal/scheduler"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
	"github.com/ReplayDeck/ReplayPipe/internal/twiliowhatsapp"
	"github.com/ReplayDeck/ReplayPipe/internal/util"
	"github.com/ReplayDeck/ReplayPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplayPipe state data
	DefaultStateDir = "/var/lib/replaypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "replaypipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One ReplayPipe instance per state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Sessions left running by a previous process are dead; mark them.
	if recovered, err := recovery.MarkInterruptedSessions(st); err != nil {
		slog.Error("Session recovery sweep failed", "error", err)
		os.Exit(1)
	} else if recovered > 0 {
		slog.Info("Recovered orphaned sessions from previous run", "count", recovered)
	}

	catalog, err := buildCatalog(flags, st)
	if err != nil {
		slog.Error("Failed to build scenario catalog", "error", err)
		os.Exit(1)
	}

	apiOpts := buildAPIOptions(flags, st, catalog)
	srv, err := api.NewServer(apiOpts...)
	if err != nil {
		slog.Error("Failed to create API server", "error", err)
		os.Exit(1)
	}

	if *flags.replayCron != "" && *flags.replayScenario != "" {
		if err := srv.ScheduleReplay(*flags.replayCron, *flags.replayScenario); err != nil {
			slog.Error("Failed to register scheduled replay", "error", err, "cron", *flags.replayCron)
			os.Exit(1)
		}
		slog.Info("Scheduled replay registered", "cron", *flags.replayCron, "scenario_id", *flags.replayScenario)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ReplayPipe", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := srv.Run(ctx); err != nil {
		slog.Error("ReplayPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplayPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseDSN    string
	WhatsAppDSN    string
	APIAddr        string
	OpenAIKey      string
	ScenarioDir    string
	ReplayCron     string
	ReplayScenario string
	FlowTimeout    time.Duration
	AutoRestart    time.Duration
	WhatsAppRelay  bool
	TwilioRelay    bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	apiAddr        *string
	openaiKey      *string
	scenarioDir    *string
	replayCron     *string
	replayScenario *string
	flowTimeout    *time.Duration
	autoRestart    *time.Duration
	whatsappRelay  *bool
	twilioRelay    *bool
	qrOutput       *string
	numeric        *bool
}

// initializeLogger sets up structured logging. REPLAYPIPE_LOG_LEVEL selects
// the level, defaulting to info.
func initializeLogger() {
	level := slog.LevelInfo
	switch os.Getenv("REPLAYPIPE_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("REPLAYPIPE_STATE_DIR"),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:        os.Getenv("API_ADDR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		ScenarioDir:    os.Getenv("SCENARIO_DIR"),
		ReplayCron:     os.Getenv("REPLAY_SCHEDULE"),
		ReplayScenario: os.Getenv("REPLAY_SCHEDULE_SCENARIO"),
		FlowTimeout:    util.ParseDurationEnv("FLOW_TIMEOUT", 0),
		AutoRestart:    util.ParseDurationEnv("AUTO_RESTART", 0),
		WhatsAppRelay:  util.ParseBoolEnv("WHATSAPP_RELAY", false),
		TwilioRelay:    util.ParseBoolEnv("TWILIO_RELAY", false),
	}

	// Legacy alias.
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPLAYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("environment variables loaded",
		"REPLAYPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SCENARIO_DIR", config.ScenarioDir,
		"REPLAY_SCHEDULE", config.ReplayCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for ReplayPipe data (overrides $REPLAYPIPE_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseDSN, "database DSN for the application store (overrides $DATABASE_DSN)"),
		waDSN:          flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow device store (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for scenario generation (overrides $OPENAI_API_KEY)"),
		scenarioDir:    flag.String("scenario-dir", config.ScenarioDir, "directory of extra scenario JSON files (overrides $SCENARIO_DIR)"),
		replayCron:     flag.String("replay-cron", config.ReplayCron, "cron expression for a recurring scheduled replay (overrides $REPLAY_SCHEDULE)"),
		replayScenario: flag.String("replay-scenario", config.ReplayScenario, "scenario ID started by the scheduled replay (overrides $REPLAY_SCHEDULE_SCENARIO)"),
		flowTimeout:    flag.Duration("flow-timeout", config.FlowTimeout, "max execution time for triggered flows, 0 for engine default (overrides $FLOW_TIMEOUT)"),
		autoRestart:    flag.Duration("auto-restart", config.AutoRestart, "delay before completed sessions replay automatically, 0 to disable (overrides $AUTO_RESTART)"),
		whatsappRelay:  flag.Bool("whatsapp-relay", config.WhatsAppRelay, "enable the whatsmeow relay channel (overrides $WHATSAPP_RELAY)"),
		twilioRelay:    flag.Bool("twilio-relay", config.TwilioRelay, "enable the Twilio relay channel (overrides $TWILIO_RELAY)"),
		qrOutput:       flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"scenarioDir", *flags.scenarioDir,
		"replayCron", *flags.replayCron,
		"whatsappRelay", *flags.whatsappRelay,
		"twilioRelay", *flags.twilioRelay)

	// Follow an overridden state directory when the DSN was defaulted from it.
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectStoreType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// openStore opens the application store matching the DSN type.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if store.DetectStoreType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildCatalog assembles the scenario catalog: builtins, an optional scenario
// directory, the store, and the GenAI generator when a key is configured.
func buildCatalog(flags Flags, st store.Store) (*scenario.Catalog, error) {
	opts := []scenario.Option{scenario.WithStore(st)}
	if *flags.scenarioDir != "" {
		opts = append(opts, scenario.WithDirectory(*flags.scenarioDir))
	}
	if *flags.openaiKey != "" {
		gen, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return nil, err
		}
		opts = append(opts, scenario.WithGenerator(gen))
		slog.Info("GenAI scenario generation enabled")
	} else {
		slog.Debug("No OpenAI API key configured, scenario generation disabled")
	}
	return scenario.NewCatalog(opts...)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, st store.Store, catalog *scenario.Catalog) []api.Option {
	opts := []api.Option{
		api.WithStore(st),
		api.WithCatalog(catalog),
		api.WithScheduler(scheduler.NewScheduler()),
	}
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.flowTimeout > 0 {
		opts = append(opts, api.WithFlowTimeout(*flags.flowTimeout))
	}
	if *flags.autoRestart > 0 {
		opts = append(opts, api.WithAutoRestart(*flags.autoRestart))
	}
	for name, svc := range buildRelayServices(flags) {
		opts = append(opts, api.WithRelayService(name, svc))
	}
	return opts
}

// buildRelayServices connects the enabled relay channels. A channel that
// fails to initialize is skipped with a warning; replay itself never depends
// on relay availability.
func buildRelayServices(flags Flags) map[string]relay.Service {
	services := make(map[string]relay.Service)

	if *flags.whatsappRelay {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			slog.Warn("WhatsApp relay channel unavailable", "error", err)
		} else {
			services["whatsapp"] = client
			slog.Info("WhatsApp relay channel enabled")
		}
	}

	if *flags.twilioRelay {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			slog.Warn("Twilio relay channel unavailable", "error", err)
		} else {
			services["twilio"] = client
			slog.Info("Twilio relay channel enabled")
		}
	}

	return services
}
