package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/blipee/pulse/errors"
)

// ProjectConfigName is the file looked up from the working directory upwards
const ProjectConfigName = "pulse.toml"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	loadedFiles   []string
)

// Load reads the Pulse configuration using Viper.
// The result is cached until Reset is called.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration so the next Load re-reads every source
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	loadedFiles = nil
}

// LoadedFiles returns the config files merged by the last Load, lowest precedence first
func LoadedFiles() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(loadedFiles))
	copy(out, loadedFiles)
	return out
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)

	SetDefaults(v)

	// system -> user -> project; env vars win over all of them
	loadedFiles = mergeConfigFiles(v, candidatePaths())

	viperInstance = v
	return v
}

func candidatePaths() []string {
	paths := []string{"/etc/pulse/pulse.toml"}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".pulse", "pulse.toml"))
	}

	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// findProjectConfig searches for pulse.toml by walking up the directory tree.
// Returns "" if none is found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges each existing file into v in order, later files overriding
// earlier ones. Unreadable files are skipped.
func mergeConfigFiles(v *viper.Viper, paths []string) []string {
	var merged []string
	for _, configPath := range paths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		merged = append(merged, configPath)
	}
	return merged
}
