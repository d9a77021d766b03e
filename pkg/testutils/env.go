package testutils

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/joho/godotenv"
)

// Environment keys read by integration tests.
const (
	ENV_POSTGRES_DSN = "CONHUB_TEST_POSTGRES_DSN"
	ENV_REDIS_ADDR   = "CONHUB_TEST_REDIS_ADDR"
	ENV_NEO4J_URI    = "CONHUB_TEST_NEO4J_URI"
	ENV_NEO4J_USER   = "CONHUB_TEST_NEO4J_USER"
	ENV_NEO4J_PASS   = "CONHUB_TEST_NEO4J_PASSWORD"
)

// LoadEnv loads the .env file from the project root directory when present.
func LoadEnv() error {
	_, filename, _, _ := runtime.Caller(0)
	envPath := filepath.Join(filepath.Dir(filename), "..", "..", ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(envPath)
}

func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// RequireEnv returns the value of key or skips the test when it is unset.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	if err := LoadEnv(); err != nil {
		t.Fatalf("failed to load .env: %v", err)
	}
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set, skipping integration test", key)
	}
	return v
}
