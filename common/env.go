package common

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

type EnvKey = string

const (
	EnvLogLevel  EnvKey = "AUTHKEEPER_LOG_LEVEL"
	EnvLogPath   EnvKey = "AUTHKEEPER_LOG_PATH"
	EnvDataPath  EnvKey = "AUTHKEEPER_DATA_PATH"
	EnvBaseURL   EnvKey = "AUTHKEEPER_BASE_URL"
	EnvStore     EnvKey = "AUTHKEEPER_STORE"
	EnvRedisAddr EnvKey = "AUTHKEEPER_REDIS_ADDR"
)

var envKeys = []EnvKey{EnvLogLevel, EnvLogPath, EnvDataPath, EnvBaseURL, EnvStore, EnvRedisAddr}

// LoadEnv reads the known keys from the given .env file (if any) and then from the process
// environment, which takes precedence. A missing .env file is not an error.
func LoadEnv(dotenv string) map[EnvKey]string {
	vars := make(map[EnvKey]string)
	if dotenv != "" {
		fileVars, err := godotenv.Read(dotenv)
		switch {
		case err == nil:
			for _, key := range envKeys {
				if v, ok := fileVars[key]; ok {
					vars[key] = v
				}
			}
		case !errors.Is(err, fs.ErrNotExist):
			slog.Error(".env file found, but failed to read", slog.String("path", dotenv), slog.Any("error", err))
		}
	}
	for _, key := range envKeys {
		if value, exists := os.LookupEnv(key); exists {
			vars[key] = value
		}
	}
	return vars
}
