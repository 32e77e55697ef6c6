package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	RealtimeURL     string `validate:"required,url"`
	Language        string `validate:"required,bcp47_language_tag"`
	AuthToken       string
	HTTPAddress     string `validate:"required"`
	SupabaseURL     string `validate:"omitempty,url"`
	SupabaseAnonKey string
	CerebrasKey     string
	CerebrasModelID string
}

// validate is the shared validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads environment variables and returns Config with sane defaults.
// Optional keys degrade gracefully with a warning; structurally invalid
// values are an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file")
	}

	cfg := Config{
		RealtimeURL:     getEnv("FAMLY_REALTIME_URL", "ws://localhost:8080/v1/realtime"),
		Language:        getEnv("FAMLY_LANGUAGE", "en-US"),
		AuthToken:       os.Getenv("FAMLY_AUTH_TOKEN"),
		HTTPAddress:     getEnv("HTTP_ADDRESS", ":8080"),
		SupabaseURL:     os.Getenv("SUPABASE_URL"),
		SupabaseAnonKey: os.Getenv("SUPABASE_ANON_KEY"),
		CerebrasKey:     os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID: getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
	}

	if cfg.AuthToken == "" {
		log.Println("Warning: FAMLY_AUTH_TOKEN not set - voice conversations will not connect")
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "" {
		log.Println("Warning: SUPABASE_URL or SUPABASE_ANON_KEY not set - organizer refresh disabled")
	}
	if cfg.CerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - generated assistant replies disabled")
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}

	log.Printf("config: FAMLY_REALTIME_URL=%s FAMLY_LANGUAGE=%s", cfg.RealtimeURL, cfg.Language)
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
