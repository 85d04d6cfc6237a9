package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Auth struct {
		Issuer     string        `yaml:"issuer"`
		Audience   string        `yaml:"audience"`
		SigningKey string        `yaml:"signing_key"`
		TokenTTL   time.Duration `yaml:"token_ttl"`
		CookieName string        `yaml:"cookie_name"`
	} `yaml:"auth"`
	Gate struct {
		LoginPath     string        `yaml:"login_path"`
		PaywallPath   string        `yaml:"paywall_path"`
		CheckoutParam string        `yaml:"checkout_param"`
		MinLoading    time.Duration `yaml:"min_loading"`
		RenderTimeout time.Duration `yaml:"render_timeout"`
	} `yaml:"gate"`
	Reconcile struct {
		Interval    time.Duration `yaml:"interval"`
		MaxInterval time.Duration `yaml:"max_interval"`
		MaxAttempts int           `yaml:"max_attempts"`
		Jitter      time.Duration `yaml:"jitter"`
	} `yaml:"reconcile"`
	Entitlement struct {
		StatusWinsOverTrial bool `yaml:"status_wins_over_trial"`
	} `yaml:"entitlement"`
	Billing struct {
		StripeWebhookSecret string        `yaml:"stripe_webhook_secret"`
		SignatureTolerance  time.Duration `yaml:"signature_tolerance"`
	} `yaml:"billing"`
	Metering struct {
		RefreshRPM int `yaml:"refresh_rpm"`
	} `yaml:"metering"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.Dev.Mode = true
	cfg.Auth.Issuer = "paygate"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.CookieName = "paygate_session"
	cfg.Gate.LoginPath = "/login"
	cfg.Gate.PaywallPath = "/pricing"
	cfg.Gate.CheckoutParam = "checkout"
	cfg.Gate.MinLoading = 400 * time.Millisecond
	cfg.Gate.RenderTimeout = 3 * time.Second
	cfg.Reconcile.Interval = 5 * time.Second
	cfg.Reconcile.MaxInterval = 30 * time.Second
	cfg.Reconcile.MaxAttempts = 24
	cfg.Entitlement.StatusWinsOverTrial = true
	cfg.Billing.SignatureTolerance = 5 * time.Minute
	cfg.Metering.RefreshRPM = 6
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)

	if strings.TrimSpace(cfg.Auth.SigningKey) == "" {
		return cfg, errors.New("missing auth.signing_key (or PAYGATE_AUTH_SIGNING_KEY)")
	}
	if cfg.Reconcile.Interval <= 0 {
		return cfg, errors.New("reconcile.interval must be positive")
	}
	if cfg.Reconcile.MaxInterval < cfg.Reconcile.Interval {
		cfg.Reconcile.MaxInterval = cfg.Reconcile.Interval
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PAYGATE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("PAYGATE_HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("PAYGATE_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("PAYGATE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PAYGATE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PAYGATE_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("PAYGATE_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("PAYGATE_AUTH_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := os.Getenv("PAYGATE_AUTH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.TokenTTL = d
		}
	}
	if v := os.Getenv("PAYGATE_AUTH_COOKIE_NAME"); v != "" {
		cfg.Auth.CookieName = v
	}
	if v := os.Getenv("PAYGATE_GATE_LOGIN_PATH"); v != "" {
		cfg.Gate.LoginPath = v
	}
	if v := os.Getenv("PAYGATE_GATE_PAYWALL_PATH"); v != "" {
		cfg.Gate.PaywallPath = v
	}
	if v := os.Getenv("PAYGATE_GATE_CHECKOUT_PARAM"); v != "" {
		cfg.Gate.CheckoutParam = v
	}
	if v := os.Getenv("PAYGATE_GATE_MIN_LOADING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gate.MinLoading = d
		}
	}
	if v := os.Getenv("PAYGATE_GATE_RENDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gate.RenderTimeout = d
		}
	}
	if v := os.Getenv("PAYGATE_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconcile.Interval = d
		}
	}
	if v := os.Getenv("PAYGATE_RECONCILE_MAX_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconcile.MaxInterval = d
		}
	}
	if v := os.Getenv("PAYGATE_RECONCILE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.MaxAttempts = n
		}
	}
	if v := os.Getenv("PAYGATE_RECONCILE_JITTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconcile.Jitter = d
		}
	}
	if v := os.Getenv("PAYGATE_STATUS_WINS_OVER_TRIAL"); v != "" {
		cfg.Entitlement.StatusWinsOverTrial = parseBool(v, cfg.Entitlement.StatusWinsOverTrial)
	}
	if v := os.Getenv("PAYGATE_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("PAYGATE_REFRESH_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metering.RefreshRPM = n
		}
	}
	if v := os.Getenv("PAYGATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PAYGATE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitList(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
