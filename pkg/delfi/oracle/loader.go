// Package oracle – loader.go loads configuration from YAML files with
// credential handling via environment variables and .env files.
package oracle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config
// values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// bridgeTokenEnv is where the meshtastic bridge token is looked up
// when the config does not carry one.
const bridgeTokenEnv = "DELFI_BRIDGE_TOKEN"

// LoadConfigFromFile reads and parses a YAML configuration file.
// Loads .env files first and expands environment variables, so
// secrets never have to live in the YAML itself. Returns an error if
// any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config. Starts with defaults
// and overlays values from the YAML, so a minimal config file only
// needs node_name.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	// First pass catches YAML syntax errors with a clean message
	// before field mapping muddies the water.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to the specified path.
// The bridge token is replaced with an environment variable reference
// when possible. Creates a backup (.bak) of the existing file before
// overwriting.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Radio.AuthToken = sanitizeSecret(cfg.Radio.AuthToken, bridgeTokenEnv)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Sanity check the marshaled YAML before touching the file.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if existing, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", existing, 0o600)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
// Returns "" when none exists.
func FindConfigFile() string {
	candidates := []string{
		"delfi.yaml",
		"delfi.yml",
		"config.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "delfi", "config.yaml"),
			filepath.Join(home, "del-fi", "config.yaml"),
		)
	}
	candidates = append(candidates, "/etc/delfi/config.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns when the bridge token is hardcoded in the config
// file instead of referenced from the environment. Called on startup.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.Radio.AuthToken != "" && !isEnvReference(cfg.Radio.AuthToken) {
		logger.Warn("bridge token appears to be hardcoded in config",
			"hint", "set 'auth_token: ${"+bridgeTokenEnv+"}' and export the variable instead")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from the working directory.
// godotenv.Load does not overwrite variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and
// $VAR references in a string with environment variable values.
//
// The ${VAR:?error} pattern is handled specially: if the variable is
// unset the match is replaced with an "ERROR:" marker that
// expandEnvVarsWithValidation converts into a load failure.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Groups: 1=varName, 2=modifier(-|?), 3=value, 4=bareVar
		sub := envVarPattern.FindStringSubmatch(match)

		var varName, modifier, modValue, bareVar string
		if len(sub) >= 2 {
			varName = sub[1]
		}
		if len(sub) >= 3 {
			modifier = sub[2]
		}
		if len(sub) >= 4 {
			modValue = sub[3]
		}
		if len(sub) >= 5 {
			bareVar = sub[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifier == "?" {
				msg := modValue
				if msg == "" {
					msg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + msg
			}
			if modifier == "-" {
				return modValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an
// error if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx != -1 {
		// Marker format: ERROR:VAR_NAME:error message
		rest := result[idx+len("ERROR:"):]
		colon := strings.Index(rest, ":")
		if colon == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colon]
		msg := strings.TrimSpace(rest[colon+1:])
		if nl := strings.IndexByte(msg, '\n'); nl != -1 {
			msg = msg[:nl]
		}
		if msg == "" {
			msg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, msg)
	}
	return result, nil
}

// resolveSecrets fills in the bridge token from the environment when
// the config value is empty or a placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.Radio.AuthToken == "" || isEnvReference(cfg.Radio.AuthToken) {
		if token := os.Getenv(bridgeTokenEnv); token != "" {
			cfg.Radio.AuthToken = token
		}
	}
}

// resolveRelativePaths converts relative paths to absolute ones based
// on the config file's directory, so delfid works the same no matter
// where it is started from.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	cfg.KnowledgeFolder = resolvePathFromConfig(cfg.KnowledgeFolder, configDir)
	cfg.DataDir = resolvePathFromConfig(cfg.DataDir, configDir)
	if cfg.FactFeedFile != "" {
		cfg.FactFeedFile = resolvePathFromConfig(cfg.FactFeedFile, configDir)
	}
}

// resolvePathFromConfig converts a path to absolute, resolving
// relative paths against the config file's directory. Expands ~ to
// the home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with an env var reference for
// safe storage in config files.
func sanitizeSecret(value, envVar string) string {
	if value == "" || isEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	// User explicitly put it in the config; keep it, AuditSecrets warns.
	return value
}

// isEnvReference checks if a string is an environment variable
// reference.
func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is group or world
// readable. The config can carry a bridge token.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
