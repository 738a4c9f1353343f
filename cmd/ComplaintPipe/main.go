package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/BTreeMap/ComplaintPipe/internal/api"
	"github.com/BTreeMap/ComplaintPipe/internal/genai"
	"github.com/BTreeMap/ComplaintPipe/internal/intake"
	"github.com/BTreeMap/ComplaintPipe/internal/lockfile"
	"github.com/BTreeMap/ComplaintPipe/internal/messaging"
	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
	"github.com/BTreeMap/ComplaintPipe/internal/middleware"
	"github.com/BTreeMap/ComplaintPipe/internal/pairing"
	"github.com/BTreeMap/ComplaintPipe/internal/scheduler"
	"github.com/BTreeMap/ComplaintPipe/internal/sheets"
	"github.com/BTreeMap/ComplaintPipe/internal/store"
	"github.com/BTreeMap/ComplaintPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ComplaintPipe/internal/webhook"
	"github.com/BTreeMap/ComplaintPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// EnvPrefix is prepended to every environment key; unprefixed keys are read as a fallback.
	EnvPrefix = "COMPLAINTPIPE"
	// DefaultDBFileName is the archive database created in the state directory.
	DefaultDBFileName = "complaints.db"
	// DefaultWhatsAppDBFileName is the linked-device session database.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// MemoryDSN selects the in-memory archive.
	MemoryDSN = "memory"
)

// Acknowledgement transports.
const (
	AckModeNone     = "none"
	AckModeTwilio   = "twilio"
	AckModeWhatsApp = "whatsapp"
)

// Config holds the runtime configuration, read from the environment (and .env)
// and then overridden by command line flags.
type Config struct {
	APIAddr   string `envconfig:"API_ADDR" default:":8080"`
	PublicURL string `envconfig:"PUBLIC_URL"`
	StateDir  string `envconfig:"STATE_DIR" default:"/var/lib/complaintpipe"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseDSN string `envconfig:"DATABASE_DSN"`

	PairingWindow     time.Duration `envconfig:"PAIRING_WINDOW" default:"60s"`
	ReversePairing    bool          `envconfig:"REVERSE_PAIRING" default:"true"`
	DedupMaxSize      int           `envconfig:"DEDUP_MAX_SIZE" default:"10000"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	SweepGrace        time.Duration `envconfig:"SWEEP_GRACE" default:"1h"`
	RateLimitRPS      float64       `envconfig:"RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst    int           `envconfig:"RATE_LIMIT_BURST" default:"10"`
	MaxConcurrent     int64         `envconfig:"MAX_CONCURRENT_DOWNSTREAM" default:"8"`
	DownstreamTimeout time.Duration `envconfig:"DOWNSTREAM_TIMEOUT" default:"2m"`

	OpenAIKey             string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL         string `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel           string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	ClassifierMaxAttempts int    `envconfig:"CLASSIFIER_MAX_ATTEMPTS" default:"3"`
	GenAIDebug            bool   `envconfig:"GENAI_DEBUG"`

	GoogleCredentialsFile string `envconfig:"GOOGLE_CREDENTIALS_FILE"`
	SpreadsheetID         string `envconfig:"SPREADSHEET_ID"`
	SheetName             string `envconfig:"SHEET_NAME" default:"Complaints"`

	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER"`

	MetaVerifyToken  string `envconfig:"META_VERIFY_TOKEN"`
	MetaAppSecret    string `envconfig:"META_APP_SECRET"`
	MetaAccessToken  string `envconfig:"META_ACCESS_TOKEN"`
	MetaGraphVersion string `envconfig:"META_GRAPH_VERSION"`

	AckMode       string `envconfig:"ACK_MODE" default:"none"`
	WhatsAppDBDSN string `envconfig:"WHATSAPP_DB_DSN"`
	QROutput      string `envconfig:"QR_OUTPUT"`
	NumericCode   bool   `envconfig:"NUMERIC_CODE"`
}

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Invalid environment configuration", "error", err)
		os.Exit(2)
	}
	config, err = parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ComplaintPipe", "api_addr", config.APIAddr, "state_dir", config.StateDir, "ack_mode", config.AckMode)
	if err := run(ctx, config); err != nil {
		slog.Error("ComplaintPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ComplaintPipe exited successfully")
}

// initializeLogger installs a text slog handler at the named level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads .env (if present) and parses the environment.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SPREADSHEET_ID_SET", config.SpreadsheetID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"META_APP_SECRET_SET", config.MetaAppSecret != "",
		"ACK_MODE", config.AckMode)
	return config, nil
}

// parseCommandLineFlags applies flag overrides on top of the environment values.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.PublicURL, "public-url", config.PublicURL, "externally visible base URL used for webhook signatures (overrides $PUBLIC_URL)")
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for ComplaintPipe data (overrides $STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "complaint archive DSN: SQLite path, Postgres URL or \"memory\" (overrides $DATABASE_DSN)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	fs.DurationVar(&config.PairingWindow, "pairing-window", config.PairingWindow, "maximum gap between a text and its image (overrides $PAIRING_WINDOW)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.SpreadsheetID, "spreadsheet-id", config.SpreadsheetID, "Google spreadsheet receiving complaint rows (overrides $SPREADSHEET_ID)")
	fs.StringVar(&config.AckMode, "ack-mode", config.AckMode, "acknowledgement transport: none, twilio or whatsapp (overrides $ACK_MODE)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print the raw WhatsApp login code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := config.finalize(); err != nil {
		return Config{}, err
	}
	slog.Debug("flags parsed", "api_addr", config.APIAddr, "state_dir", config.StateDir, "db_dsn_set", config.DatabaseDSN != "", "ack_mode", config.AckMode)
	return config, nil
}

// finalize validates the configuration and fills state-directory defaults.
func (c *Config) finalize() error {
	c.AckMode = strings.ToLower(strings.TrimSpace(c.AckMode))
	switch c.AckMode {
	case "":
		c.AckMode = AckModeNone
	case AckModeNone, AckModeTwilio, AckModeWhatsApp:
	default:
		return fmt.Errorf("unknown ACK_MODE %q (want none, twilio or whatsapp)", c.AckMode)
	}
	if c.PairingWindow <= 0 {
		return fmt.Errorf("PAIRING_WINDOW must be positive, got %s", c.PairingWindow)
	}
	if c.StateDir == "" {
		return errors.New("STATE_DIR cannot be empty")
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return nil
}

// archiveDSN maps the configured DSN to store.New's convention.
func (c Config) archiveDSN() string {
	if c.DatabaseDSN == MemoryDSN {
		return ""
	}
	return c.DatabaseDSN
}

// buildGenAIOptions constructs classifier options.
func buildGenAIOptions(c Config) []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(c.OpenAIKey),
		genai.WithModel(c.OpenAIModel),
		genai.WithMaxAttempts(c.ClassifierMaxAttempts),
	}
	if c.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(c.OpenAIBaseURL))
	}
	if c.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true, c.StateDir))
	}
	return opts
}

// buildAPIOptions constructs HTTP server options.
func buildAPIOptions(c Config, resolver webhook.MediaResolver, limiter *middleware.KeyedLimiter) []api.Option {
	opts := []api.Option{
		api.WithAddr(c.APIAddr),
		api.WithPublicURL(c.PublicURL),
		api.WithTwilioAuthToken(c.TwilioAuthToken),
		api.WithMeta(c.MetaVerifyToken, c.MetaAppSecret),
		api.WithRateLimiter(limiter),
	}
	if resolver != nil {
		opts = append(opts, api.WithMediaResolver(resolver))
	}
	return opts
}

func newClassifier(c Config) (intake.Classifier, error) {
	client, err := genai.NewClient(buildGenAIOptions(c)...)
	if errors.Is(err, genai.ErrAPIKeyRequired) {
		slog.Warn("OPENAI_API_KEY not set, complaints will be recorded unclassified for manual review")
		return genai.Unavailable{}, nil
	}
	return client, err
}

func newMediaResolver(c Config) (webhook.MediaResolver, error) {
	if c.MetaAccessToken == "" {
		slog.Debug("META_ACCESS_TOKEN not set, Meta images are recorded by media id")
		return nil, nil
	}
	opts := []webhook.GraphOption{webhook.WithAccessToken(c.MetaAccessToken)}
	if c.MetaGraphVersion != "" {
		opts = append(opts, webhook.WithGraphAPIVersion(c.MetaGraphVersion))
	}
	return webhook.NewGraphMediaResolver(opts...)
}

func newMessagingService(ctx context.Context, c Config) (messaging.Service, error) {
	switch c.AckMode {
	case AckModeTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(c.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(c.TwilioAuthToken),
			twiliowhatsapp.WithFromNumber(c.TwilioFromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case AckModeWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(c.WhatsAppDBDSN)}
		if c.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(c.QROutput))
		}
		if c.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return messaging.NoopService{}, nil
	}
}

func newWriters(ctx context.Context, c Config, archive store.Store) ([]intake.RowWriter, error) {
	writers := []intake.RowWriter{store.NewArchiveWriter(archive)}
	if c.SpreadsheetID == "" {
		slog.Warn("SPREADSHEET_ID not set, complaints are only kept in the archive")
		return writers, nil
	}
	sheet, err := sheets.NewWriter(ctx,
		sheets.WithCredentialsFile(c.GoogleCredentialsFile),
		sheets.WithSpreadsheetID(c.SpreadsheetID),
		sheets.WithSheetName(c.SheetName),
	)
	if err != nil {
		return nil, err
	}
	if err := sheet.EnsureHeader(ctx); err != nil {
		slog.Warn("Failed to check spreadsheet header, continuing", "error", err)
	}
	return append(writers, sheet), nil
}

// run wires every component, serves until ctx is cancelled and shuts down in
// dependency order.
func run(ctx context.Context, c Config) error {
	lock, err := lockfile.AcquireLock(c.StateDir, c.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	archive, err := store.New(c.archiveDSN())
	if err != nil {
		return fmt.Errorf("failed to open complaint archive: %w", err)
	}
	defer func() {
		if err := archive.Close(); err != nil {
			slog.Warn("Failed to close complaint archive", "error", err)
		}
	}()

	classifier, err := newClassifier(c)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	writers, err := newWriters(ctx, c, archive)
	if err != nil {
		return fmt.Errorf("failed to create spreadsheet writer: %w", err)
	}
	resolver, err := newMediaResolver(c)
	if err != nil {
		return fmt.Errorf("failed to create media resolver: %w", err)
	}
	msgService, err := newMessagingService(ctx, c)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Warn("Failed to stop messaging service", "error", err)
		}
	}()

	window := pairing.NewWindowedStore()
	dedup := pairing.NewDedupSet(c.DedupMaxSize)
	policy := pairing.NewPolicy(window, pairing.WithWindow(c.PairingWindow), pairing.WithReversePairing(c.ReversePairing))

	procOpts := []intake.Option{
		intake.WithMaxConcurrent(c.MaxConcurrent),
		intake.WithDownstreamTimeout(c.DownstreamTimeout),
		intake.WithWriters(writers...),
	}
	if c.AckMode != AckModeNone {
		procOpts = append(procOpts, intake.WithAcknowledger(msgService, messaging.AckText))
	}
	proc := intake.NewProcessor(dedup, policy, window, classifier, procOpts...)

	limiter := middleware.NewKeyedLimiter(c.RateLimitRPS, c.RateLimitBurst, middleware.DefaultLimiterIdle)
	sched := scheduler.NewScheduler()
	sweeper := pairing.NewSweeper(window, c.PairingWindow, c.SweepInterval, c.SweepGrace, func(n int) {
		metrics.PairingSweptTotal.Add(float64(n))
		metrics.AssociationEntries.Set(float64(window.Len()))
	})
	if err := sweeper.Register(sched); err != nil {
		sched.Stop()
		return err
	}
	if err := limiter.Register(sched, middleware.DefaultLimiterSweep); err != nil {
		sched.Stop()
		return err
	}

	server := api.NewServer(proc, archive, buildAPIOptions(c, resolver, limiter)...)
	serveErr := server.Run(ctx)

	sched.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), c.DownstreamTimeout)
	defer cancel()
	if err := proc.Wait(drainCtx); err != nil {
		slog.Warn("Downstream work did not finish before shutdown", "error", err)
	}
	stats := proc.Stats()
	slog.Info("ComplaintPipe stopped", "accepted", stats.Accepted, "duplicates", stats.Duplicates, "rows_written", stats.RowsWritten)
	return serveErr
}
