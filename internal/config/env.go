package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileName is the dotenv file read from the config directory.
const EnvFileName = "apc.env"

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces each ${NAME} with the variable's value. References to
// unset or empty variables are left as written; see Unresolved.
func expandEnv(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(ref string) string {
		name := envVarRegex.FindStringSubmatch(ref)[1]
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		return ref
	})
}

// Unresolved reports whether an expanded value still holds a ${NAME}
// reference, meaning the variable it needs was not set.
func Unresolved(value string) bool {
	return envVarRegex.MatchString(value)
}

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// LoadEnvFile loads apc.env from the directory holding configPath into the
// process environment. Variables that are already set win. A missing file
// is not an error.
func LoadEnvFile(configPath string) error {
	configPath, err := ExpandPath(configPath)
	if err != nil {
		return err
	}

	envPath := filepath.Join(filepath.Dir(configPath), EnvFileName)
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}
	return nil
}
