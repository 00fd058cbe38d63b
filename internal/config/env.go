package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Env override names. Credentials usually arrive through provisioning env
// rather than the on-disk config, which the local UI rewrites.
const (
	EnvAPIKey         = "KIOSKD_API_KEY"
	EnvEnvironmentID  = "KIOSKD_ENVIRONMENT_ID"
	EnvTelemetryToken = "KIOSKD_TELEMETRY_TOKEN"
	EnvStationID      = "KIOSKD_STATION_ID"
)

// applyEnvOverrides lets provisioning env win over file values for the
// secret-bearing fields. File values remain the fallback.
func applyEnvOverrides(c *Config) {
	c.APIKey = getEnv(EnvAPIKey, c.APIKey)
	c.EnvironmentID = getEnv(EnvEnvironmentID, c.EnvironmentID)
	c.TelemetryToken = getEnv(EnvTelemetryToken, c.TelemetryToken)
	c.StationID = getEnv(EnvStationID, c.StationID)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// LoadEnvFile reads path and sets environment variables for each line
// "KEY=value". Skips empty lines and lines starting with #. Use for a .env
// dropped next to the config file by provisioning (keep .env out of git).
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		value = unquoteEnv(value)
		os.Setenv(key, value)
	}
	return sc.Err()
}

func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
