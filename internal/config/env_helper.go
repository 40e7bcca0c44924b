package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Helper to get float64 env with default
func getEnvAsFloat64(key string, fallback float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Warning: Invalid float64 for config %s (%q), using default %f", key, valueStr, fallback)
		return fallback
	}
	return val
}

func getEnvAsInt(key string, fallback int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		log.Printf("Warning: Invalid int for config %s (%q), using default %d", key, valueStr, fallback)
		return fallback
	}
	return val
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		log.Printf("Warning: Invalid bool for config %s (%q), using default %t", key, valueStr, fallback)
		return fallback
	}
	return val
}
