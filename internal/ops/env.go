package ops

import (
	"bufio"
	"os"
	"strings"

	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	EnvConfigPath     = "CONFIG_PATH"
	EnvAPIKey         = "BINANCE_API_KEY"
	EnvAPISecret      = "BINANCE_API_SECRET"
	EnvDatabaseDSN    = "DATABASE_DSN"
	EnvProfilerServer = "PYROSCOPE_SERVER_ADDRESS"
)

// Secrets holds exchange credentials. They never come from the config file.
type Secrets struct {
	APIKey    string
	APISecret string
}

// LoadSecrets reads exchange credentials from the environment. They are only
// required in LIVE mode.
func LoadSecrets(mode string) (Secrets, error) {
	s := Secrets{
		APIKey:    getEnv(EnvAPIKey, ""),
		APISecret: getEnv(EnvAPISecret, ""),
	}
	if mode == "LIVE" && (s.APIKey == "" || s.APISecret == "") {
		return Secrets{}, errors.Wrap(exception.ErrMissingCredentials, "load secrets").With("key", EnvAPIKey).With("secret", EnvAPISecret)
	}
	return s, nil
}

// ConfigPath returns the config file path from the environment, or def.
func ConfigPath(def string) string {
	return getEnv(EnvConfigPath, def)
}

// DatabaseDSN returns the PostgreSQL connection string override, if any.
func DatabaseDSN() string {
	return getEnv(EnvDatabaseDSN, "")
}

// LoadEnvFile reads KEY=VALUE lines from path into the process environment.
// Variables already set are left untouched. A missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "open env file").With("path", path)
	}
	defer f.Close()

	count := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseEnvLine(s.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return errors.Wrap(err, "set env").With("key", key)
		}
		count++
	}
	if err := s.Err(); err != nil {
		return errors.Wrap(err, "scan env file").With("path", path)
	}
	logs.Infof("env: loaded %d variables from %s", count, path)
	return nil
}

func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, ok := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		return key, val[1 : len(val)-1], true
	}
	if idx := strings.Index(val, " #"); idx >= 0 {
		val = strings.TrimSpace(val[:idx])
	}
	return key, val, true
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
