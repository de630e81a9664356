package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	RunTimeoutSeconds int    `mapstructure:"run_timeout_seconds"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	FastModel      string `mapstructure:"fast_model"`
	FastMaxTokens  int    `mapstructure:"fast_max_tokens"`
	SmartModel     string `mapstructure:"smart_model"`
	SmartMaxTokens int    `mapstructure:"smart_max_tokens"`
}

type AgentConfig struct {
	MaxIterations int    `mapstructure:"max_iterations"`
	HistoryLimit  int    `mapstructure:"history_limit"`
	SystemPrompt  string `mapstructure:"system_prompt"`
}

// AuthConfig maps bearer tokens to users. The real application supplies
// session auth; this subsystem only needs the boolean gate.
type AuthConfig struct {
	Tokens map[string]AuthUser `mapstructure:"tokens"`
}

type AuthUser struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_timeout_seconds", 120)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.fast_model", "gpt-4o-mini")
	v.SetDefault("openai.fast_max_tokens", 1024)
	v.SetDefault("openai.smart_model", "gpt-4o")
	v.SetDefault("openai.smart_max_tokens", 4096)
	v.SetDefault("agent.max_iterations", 8)
	v.SetDefault("agent.history_limit", 20)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
