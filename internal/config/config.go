package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port           string
	DatabaseDriver string
	DatabaseURL    string
	LogMode        string
	MaxUploadBytes int64

	JWTSecret       string
	JWTCookieSecure bool
	JWTTTL          time.Duration

	FrontendURL string
	CORSOrigins []string

	AIProvider          string
	GeminiKey           string
	GeminiModel         string
	OpenAIKey           string
	OpenAIEndpoint      string
	OpenAIModel         string
	AITemperature       float32
	AITopP              float32
	AITopK              int32
	AIMaxTokens         int32
	AIGenerationTimeout time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	OAuthRedirectBase  string
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	port := getEnv("PORT", "5000")
	frontend := getEnv("FRONTEND_URL", "http://localhost:5173")
	return Config{
		Port:           port,
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "./data/flashly.db"),
		LogMode:        getEnv("LOG_MODE", "dev"),
		MaxUploadBytes: getInt64("MAX_UPLOAD_BYTES", 32<<20),

		JWTSecret:       os.Getenv("JWT_SECRET_KEY"),
		JWTCookieSecure: getBool("JWT_COOKIE_SECURE", false),
		JWTTTL:          getDuration("JWT_TTL", 24*time.Hour),

		FrontendURL: strings.TrimRight(frontend, "/"),
		CORSOrigins: getList("CORS_ORIGINS", []string{frontend}),

		AIProvider:          strings.ToLower(getEnv("AI_PROVIDER", "gemini")),
		GeminiKey:           os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint:      getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AITemperature:       float32(getFloat("AI_TEMPERATURE", 0.9)),
		AITopP:              float32(getFloat("AI_TOP_P", 1)),
		AITopK:              int32(getInt64("AI_TOP_K", 1)),
		AIMaxTokens:         int32(getInt64("AI_MAX_TOKENS", 8192)),
		AIGenerationTimeout: getDuration("AI_GENERATION_TIMEOUT", 5*time.Minute),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		OAuthRedirectBase:  getEnv("OAUTH_REDIRECT_BASE", "http://localhost:"+port),
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

// getDuration accepts Go durations ("90s") or a plain number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
