package config

import (
	"os"

	"github.com/joho/godotenv"
)

// envPaths are searched in order; the first .env file found is loaded
var envPaths = []string{".env", "../.env", "../../.env"}

// LoadEnv loads variables from the nearest .env file. Variables already set
// in the environment win.
func LoadEnv() error {
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		return godotenv.Load(envPath)
	}
	return nil
}
