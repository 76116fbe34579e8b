package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/policy"

	"github.com/joho/godotenv"
)

// PolicyEnvPrefix é o prefixo das variáveis de política por categoria (RATE_POLICY_AUTH=10/60s)
const PolicyEnvPrefix = "RATE_POLICY_"

// Config representa todas as configurações da aplicação
type Config struct {
	// Storage Configuration
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Admin Configuration
	AdminToken string

	// Limiter Configuration
	StoreTimeout        time.Duration
	EventWriteTimeout   time.Duration
	EventBufferSize     int
	EventRetention      time.Duration
	BehaviorThreshold   int
	BehaviorWindow      time.Duration
	LearningRate        float64
	DenyIPs             []string
	AllowIPs            []string
	ThreatPatternsFile  string
	AccessListSyncEvery time.Duration
	Policies            map[domain.Category]domain.RateLimitPolicy
}

// ConfigLoader implementa a interface domain.ConfigLoader
type ConfigLoader struct {
	envFile string
	config  *Config
}

// NewConfigLoader cria um loader que lê o .env do diretório atual
func NewConfigLoader() *ConfigLoader {
	return NewConfigLoaderWithFile(".env")
}

// NewConfigLoaderWithFile cria um loader com um arquivo .env específico
func NewConfigLoaderWithFile(envFile string) *ConfigLoader {
	return &ConfigLoader{envFile: envFile}
}

// LoadConfig carrega as configurações do .env e do ambiente.
// Variáveis já definidas no ambiente têm precedência sobre o arquivo.
func (c *ConfigLoader) LoadConfig() (*domain.LimiterConfig, error) {
	if err := godotenv.Load(c.envFile); err != nil {
		fmt.Println("Warning: .env file not found, using system environment variables")
	}
	return c.load()
}

// Reload relê o .env sobrescrevendo o ambiente e revalida tudo.
// Em caso de erro a configuração anterior continua valendo.
func (c *ConfigLoader) Reload() (*domain.LimiterConfig, error) {
	if _, err := os.Stat(c.envFile); err == nil {
		if err := godotenv.Overload(c.envFile); err != nil {
			return nil, fmt.Errorf("failed to reload %s: %w", c.envFile, err)
		}
	}
	return c.load()
}

// GetConfig retorna a última configuração válida
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

func (c *ConfigLoader) load() (*domain.LimiterConfig, error) {
	config, err := loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	c.config = config
	return config.LimiterConfig(), nil
}

// LimiterConfig converte para a configuração consumida pelo serviço
func (cfg *Config) LimiterConfig() *domain.LimiterConfig {
	return &domain.LimiterConfig{
		Policies:            cfg.Policies,
		StoreTimeout:        cfg.StoreTimeout,
		EventWriteTimeout:   cfg.EventWriteTimeout,
		EventBufferSize:     cfg.EventBufferSize,
		EventRetention:      cfg.EventRetention,
		BehaviorThreshold:   cfg.BehaviorThreshold,
		BehaviorWindow:      cfg.BehaviorWindow,
		LearningRate:        cfg.LearningRate,
		DenyIPs:             cfg.DenyIPs,
		AllowIPs:            cfg.AllowIPs,
		ThreatPatternsFile:  cfg.ThreatPatternsFile,
		AccessListSyncEvery: cfg.AccessListSyncEvery,
	}
}

// EvaluationTimeout é o prazo de uma avaliação: leitura do scorer, janela e
// as duas gravações de evento (ameaça e decisão)
func (cfg *Config) EvaluationTimeout() time.Duration {
	return 2*cfg.StoreTimeout + 2*cfg.EventWriteTimeout
}

// loadFromEnv carrega configurações das variáveis de ambiente
func loadFromEnv() (*Config, error) {
	config := &Config{
		StorageType:   strings.ToLower(getEnvWithDefault("STORAGE_TYPE", "memory")),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "release"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		ThreatPatternsFile: getEnvWithDefault("THREAT_PATTERNS_FILE", ""),
		DenyIPs:            splitList(os.Getenv("DENY_IPS")),
		AllowIPs:           splitList(os.Getenv("ALLOW_IPS")),
	}

	var err error
	if config.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if config.StoreTimeout, err = getMillis("STORE_TIMEOUT_MS", 2000); err != nil {
		return nil, err
	}
	if config.EventWriteTimeout, err = getMillis("EVENT_WRITE_TIMEOUT_MS", 500); err != nil {
		return nil, err
	}
	if config.EventBufferSize, err = getInt("EVENT_BUFFER_SIZE", 1000); err != nil {
		return nil, err
	}

	retentionHours, err := getInt("EVENT_RETENTION_HOURS", 24)
	if err != nil {
		return nil, err
	}
	config.EventRetention = time.Duration(retentionHours) * time.Hour

	if config.BehaviorThreshold, err = getInt("BEHAVIOR_THRESHOLD", 50); err != nil {
		return nil, err
	}

	behaviorSeconds, err := getInt("BEHAVIOR_WINDOW_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	config.BehaviorWindow = time.Duration(behaviorSeconds) * time.Second

	config.LearningRate, err = strconv.ParseFloat(getEnvWithDefault("LEARNING_RATE", "0.01"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid LEARNING_RATE value: %w", err)
	}

	syncSeconds, err := getInt("ACCESS_LIST_SYNC_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	config.AccessListSyncEvery = time.Duration(syncSeconds) * time.Second

	if config.Policies, err = loadPolicies(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadPolicies lê RATE_POLICY_<CATEGORIA> para cada categoria conhecida
func loadPolicies() (map[domain.Category]domain.RateLimitPolicy, error) {
	policies := make(map[domain.Category]domain.RateLimitPolicy)
	for _, category := range domain.AllCategories() {
		key := PolicyEnvPrefix + strings.ToUpper(string(category))
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}

		p, err := policy.ParseSpec(category, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", key, err)
		}
		policies[category] = p
	}
	return policies, nil
}

// validateConfig valida se as configurações são válidas
func validateConfig(config *Config) error {
	if config.StorageType != "memory" && config.StorageType != "redis" {
		return fmt.Errorf("STORAGE_TYPE must be 'memory' or 'redis', got %q", config.StorageType)
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if config.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_MS must be greater than 0")
	}

	if config.EventWriteTimeout <= 0 {
		return fmt.Errorf("EVENT_WRITE_TIMEOUT_MS must be greater than 0")
	}

	if config.EventBufferSize <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be greater than 0")
	}

	if config.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION_HOURS must be greater than 0")
	}

	if config.BehaviorThreshold <= 0 {
		return fmt.Errorf("BEHAVIOR_THRESHOLD must be greater than 0")
	}

	if config.BehaviorWindow <= 0 {
		return fmt.Errorf("BEHAVIOR_WINDOW_SECONDS must be greater than 0")
	}

	if config.LearningRate <= 0 || config.LearningRate > 1 {
		return fmt.Errorf("LEARNING_RATE must be in (0, 1]")
	}

	if config.AccessListSyncEvery <= 0 {
		return fmt.Errorf("ACCESS_LIST_SYNC_SECONDS must be greater than 0")
	}

	if config.ThreatPatternsFile != "" {
		if _, err := os.Stat(config.ThreatPatternsFile); err != nil {
			return fmt.Errorf("THREAT_PATTERNS_FILE: %w", err)
		}
	}

	if _, err := policy.NewRegistry(config.Policies); err != nil {
		return fmt.Errorf("invalid rate policy: %w", err)
	}

	return nil
}

func getInt(key string, defaultValue int) (int, error) {
	value, err := strconv.Atoi(getEnvWithDefault(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return value, nil
}

func getMillis(key string, defaultValue int) (time.Duration, error) {
	ms, err := getInt(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// splitList separa listas por vírgula ignorando itens vazios
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
