package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPPort string
	LogLevel string

	StoreDriver string
	DatabaseURL string

	GeminiAPIKey   string
	GeminiModel    string
	GatewayBackend string
	GeminiEndpoint string
	VisionEnabled  bool
	StudyEnabled   bool

	JWTSecret          string
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	NATSURL   string
	NATSToken string

	AskRatePerMinute int
	MaxUploadMB      int
	CORSOrigins      []string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		Env:      getEnv("ENV", "development"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "tutor.db"),

		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GatewayBackend: getEnv("GATEWAY_BACKEND", "sdk"),
		GeminiEndpoint: getEnv("GEMINI_ENDPOINT", ""),
		VisionEnabled:  getEnvAsBool("VISION_ENABLED", false),
		StudyEnabled:   getEnvAsBool("STUDY_ENABLED", false),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		OAuthRedirectURL:   getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/api/auth/federated/callback"),

		NATSURL:   getEnv("NATS_URL", ""),
		NATSToken: getEnv("NATS_TOKEN", ""),

		AskRatePerMinute: getEnvAsInt("ASK_RATE_PER_MINUTE", 20),
		MaxUploadMB:      getEnvAsInt("MAX_UPLOAD_MB", 10),
		CORSOrigins:      getEnvAsList("CORS_ORIGINS", []string{"*"}),
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// FederatedEnabled reports whether Google sign-in is configured.
func (c Config) FederatedEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
