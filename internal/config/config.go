package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	DefaultCompanyID       string
	InvoicePrefix          string
	DraftTTLMinutes        int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ManagerPIN             string
	KafkaBrokers           string
	KafkaSalesTopic        string
	PlaceholderEmailDomain string
	LogLevel               string
	MetricsEnabled         bool
}

// Load reads defaults, then the YAML file named by CONFIG_FILE, then the
// environment. Later sources win. File keys are the environment names in
// any case, e.g. "invoice_prefix: FV".
func Load() (Config, error) {
	src := source{file: map[string]string{}}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	redisDB, _ := strconv.Atoi(src.get("REDIS_DB", "0"))
	draftTTL, err := strconv.Atoi(src.get("DRAFT_TTL_MINUTES", "720"))
	if err != nil || draftTTL < 1 {
		draftTTL = 720
	}
	tokenTTL, err := strconv.Atoi(src.get("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	metricsEnabled, err := strconv.ParseBool(src.get("METRICS_ENABLED", "true"))
	if err != nil {
		metricsEnabled = true
	}

	cfg := Config{
		Port:                   src.get("PORT", "8080"),
		AllowedOrigin:          src.get("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            src.get("DATABASE_URL", ""),
		RedisAddr:              src.get("REDIS_ADDR", ""),
		RedisPassword:          src.get("REDIS_PASSWORD", ""),
		RedisDB:                redisDB,
		DefaultCompanyID:       src.get("DEFAULT_COMPANY_ID", "demo-company"),
		InvoicePrefix:          strings.ToUpper(src.get("INVOICE_PREFIX", "INV")),
		DraftTTLMinutes:        draftTTL,
		AuthSecret:             strings.TrimSpace(src.get("AUTH_SECRET", "")),
		AccessTokenTTLMinutes:  tokenTTL,
		ManagerPIN:             strings.TrimSpace(src.get("MANAGER_PIN", "")),
		KafkaBrokers:           src.get("KAFKA_BROKERS", ""),
		KafkaSalesTopic:        src.get("KAFKA_SALES_TOPIC", "repairpos.sales"),
		PlaceholderEmailDomain: src.get("PLACEHOLDER_EMAIL_DOMAIN", "no-email.repairpos.local"),
		LogLevel:               strings.ToLower(src.get("LOG_LEVEL", "info")),
		MetricsEnabled:         metricsEnabled,
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

type source struct {
	file map[string]string
}

func (s source) get(key string, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val := s.file[key]; val != "" {
		return val
	}
	return fallback
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(doc))
	for key, val := range doc {
		key = strings.ToUpper(strings.TrimSpace(key))
		switch v := val.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			values[key] = strings.Join(parts, ",")
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}
