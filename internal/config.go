package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Configuration keys. The udp_* keys are read by the network backend
// through netblock.Settings; when unset the backend uses its platform
// default.
const (
	KeyQuickPackets   = "udp_quick_packets"
	KeyDelayTime      = "udp_delay_time"
	KeyLogLevel       = "log_level"
	KeyGCSCredentials = "gcs_credentials_file"
	KeyMetricsAddr    = "metrics_addr"
	KeyCacheSectors   = "cache_sectors"
)

// DefaultCacheSectors is the aligned cache window used by the NBD export.
const DefaultCacheSectors = 256

// LoadConfig reads the TOML config at configPath, or netblock.toml from
// ~/.netblock and the working directory when configPath is empty. A missing
// file is not an error. NETBLOCK_* environment variables override the file.
func LoadConfig(configPath string) (*viper.Viper, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v, err := initViper(configPath, filepath.Join(home, ".netblock"), "netblock", "toml", "NETBLOCK")
	if err != nil {
		return nil, err
	}

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyCacheSectors, DefaultCacheSectors)

	if used := v.ConfigFileUsed(); used != "" {
		Debug("config loaded", Fields{ConfigPath: used})
	}
	return v, nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// AutomaticEnv only answers for keys viper already knows about, so the
	// backend tunables are bound explicitly for IsSet to see them.
	for _, key := range []string{KeyQuickPackets, KeyDelayTime, KeyGCSCredentials} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound {
			Error("unable to read config", Fields{
				ConfigPath: configPath,
				FieldError: err.Error(),
			})
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}
