package main

import (
	"os"
	"path/filepath"

	"github.com/omarluq/apigate/internal/config"
)

var configNames = []string{defaultConfigFile, "apigate.yml", "apigate.toml"}

// resolveConfigPath returns --config when set, else the first config found in
// the working directory or ~/.config/apigate. Dotenv files are loaded first
// so ${VAR} references in the config resolve.
func resolveConfigPath() (string, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return "", err
	}
	if cfgFile != "" {
		return cfgFile, nil
	}
	if found := findConfigIn("."); found != defaultConfigFile {
		return found, nil
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if found := findConfigIn(filepath.Join(home, ".config", "apigate")); found != defaultConfigFile {
			return found, nil
		}
	}
	return defaultConfigFile, nil
}

// findConfigIn returns the first known config file in dir, or defaultConfigFile.
func findConfigIn(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return defaultConfigFile
}
