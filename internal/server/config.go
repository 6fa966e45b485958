package server

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int

	DBPath        string
	GatesPath     string
	PoliciesPath  string
	SessionSecret string

	KillSwitchTTL time.Duration
	FlagCacheTTL  time.Duration
}

func LoadConfig() Config {
	return Config{
		Port:            getEnvInt("PORT", 8080),
		ReadTimeout:     getEnvInt("READ_TIMEOUT", 30),
		WriteTimeout:    getEnvInt("WRITE_TIMEOUT", 30),
		ShutdownTimeout: getEnvInt("SHUTDOWN_TIMEOUT", 10),
		DBPath:          getEnv("DB_PATH", "./db/controlplane.db"),
		GatesPath:       getEnv("GATES_PATH", "./config/gates.yaml"),
		PoliciesPath:    getEnv("POLICIES_PATH", "./config/policies.yaml"),
		SessionSecret:   os.Getenv("SESSION_SECRET"),
		KillSwitchTTL:   time.Duration(getEnvInt("KILLSWITCH_CACHE_SECONDS", 2)) * time.Second,
		FlagCacheTTL:    time.Duration(getEnvInt("FLAG_CACHE_SECONDS", 30)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
