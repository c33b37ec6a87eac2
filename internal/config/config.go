package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	API        APIConfig        `yaml:"api"`
	Backend    BackendConfig    `yaml:"backend"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Booking    BookingConfig    `yaml:"booking"`
	Checkout   CheckoutConfig   `yaml:"checkout"`
	Worker     WorkerConfig     `yaml:"worker"`
	Google     GoogleConfig     `yaml:"google"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	Exports    ExportConfig     `yaml:"exports"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// AllowedOrigin is echoed in Access-Control-Allow-Origin for the booking pages.
	AllowedOrigin string `yaml:"allowed_origin"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// SubmitPerMinute caps checkout submissions per session.
	SubmitPerMinute int `yaml:"submit_per_minute"`
}

// BackendConfig describes the remote booking API the proxy forwards to.
type BackendConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	Language string        `yaml:"language"`
}

// ProxyConfig covers both sides of the allow-listed proxy: the endpoint the
// gateway client posts to and the token used to authorize those posts.
type ProxyConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	TokenSecret    string        `yaml:"token_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	ClientTimeout  time.Duration `yaml:"client_timeout"`
	GenericMessage string        `yaml:"generic_message"`
}

type BookingConfig struct {
	Currency           string        `yaml:"currency"`
	CurrencyPosition   string        `yaml:"currency_position"`
	EnableRoundTrip    bool          `yaml:"enable_round_trip"`
	EnableFlightNumber bool          `yaml:"enable_flight_number"`
	ShowNoRouteMessage bool          `yaml:"show_no_route_message"`
	MinLeadTime        time.Duration `yaml:"min_lead_time"`
	MaxLegs            int           `yaml:"max_legs"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	Contact            ContactConfig `yaml:"contact"`
}

type ContactConfig struct {
	Phone    string `yaml:"phone"`
	Email    string `yaml:"email"`
	WhatsApp string `yaml:"whatsapp"`
}

type CheckoutConfig struct {
	ReturnURL       string `yaml:"return_url"`
	CancelURL       string `yaml:"cancel_url"`
	StripeSecretKey string `yaml:"stripe_secret_key"`
	StripeAPIBase   string `yaml:"stripe_api_base"`
	// RecreatePaymentOnDecline lists gateways whose payment intent is
	// created anew after a decline instead of being reused.
	RecreatePaymentOnDecline map[string]bool `yaml:"recreate_payment_on_decline"`
}

type WorkerConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type TelegramConfig struct {
	Enabled         bool    `yaml:"enabled"`
	BotToken        string  `yaml:"bot_token"`
	OperatorChatIDs []int64 `yaml:"operator_chat_ids"`
	Debug           bool    `yaml:"debug"`
}

type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	Enabled               bool   `yaml:"enabled"`
	GoogleCredentialsFile string `yaml:"credentials_file"`
	BookingSpreadSheetID  string `yaml:"bookings_spreadsheet_id"`
	SheetName             string `yaml:"sheet_name"`
}

func Load(configPath string) (*Config, error) {
	// .env необязателен
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend base url is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend base url must be http(s): %q", c.Backend.BaseURL)
	}
	if c.Proxy.TokenSecret == "" {
		return errors.New("proxy token secret is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	switch c.Booking.CurrencyPosition {
	case "before", "after":
	default:
		return fmt.Errorf("unknown currency position %q", c.Booking.CurrencyPosition)
	}
	if c.Booking.MaxLegs < 2 {
		return fmt.Errorf("booking.max_legs must be at least 2, got %d", c.Booking.MaxLegs)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram bot token is required when telegram is enabled")
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return errors.New("amqp url is required when amqp is enabled")
	}
	if c.Google.Enabled && (c.Google.GoogleCredentialsFile == "" || c.Google.BookingSpreadSheetID == "") {
		return errors.New("google credentials file and spreadsheet id are required when google is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "transferbook"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.RateLimit.SubmitPerMinute == 0 {
		c.API.RateLimit.SubmitPerMinute = 10
	}

	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Backend.Language == "" {
		c.Backend.Language = "en"
	}

	if c.Proxy.TokenTTL == 0 {
		c.Proxy.TokenTTL = 12 * time.Hour
	}
	if c.Proxy.CacheTTL == 0 {
		c.Proxy.CacheTTL = 5 * time.Minute
	}
	if c.Proxy.ClientTimeout == 0 {
		c.Proxy.ClientTimeout = 35 * time.Second
	}
	if c.Proxy.GenericMessage == "" {
		c.Proxy.GenericMessage = "An error occurred. Please try again."
	}

	// Booking defaults
	if c.Booking.Currency == "" {
		c.Booking.Currency = "MAD"
	}
	if c.Booking.CurrencyPosition == "" {
		c.Booking.CurrencyPosition = "before"
	}
	if c.Booking.MinLeadTime == 0 {
		c.Booking.MinLeadTime = time.Hour
	}
	if c.Booking.MaxLegs == 0 {
		c.Booking.MaxLegs = 5
	}
	if c.Booking.SessionTTL == 0 {
		c.Booking.SessionTTL = 24 * time.Hour
	}

	if c.Checkout.StripeAPIBase == "" {
		c.Checkout.StripeAPIBase = "https://api.stripe.com"
	}

	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.InitialDelay == 0 {
		c.Worker.InitialDelay = 2 * time.Second
	}
	if c.Worker.MaxDelay == 0 {
		c.Worker.MaxDelay = time.Minute
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 20
	}

	if c.Google.SheetName == "" {
		c.Google.SheetName = "Bookings"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "transferbook.events"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "./exports"
	}
}
