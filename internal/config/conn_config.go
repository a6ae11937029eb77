package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConnConfig holds the settings needed to open an RDMA device and drive
// connections against it.
type ConnConfig struct {
	DeviceName    string
	GIDIndex      int
	RingCapacity  uint64
	MaxPendingWRs uint32
	LogLevel      string
	DialTimeoutMS uint32
	ListenAddr    string
	ConnID        string
}

// LoadConnConfig loads settings from a config file, environment
// variables, and any pflag.FlagSet the caller has already parsed,
// in that order of increasing precedence.
func LoadConnConfig(configPath string, flags *pflag.FlagSet) (*ConnConfig, error) {
	v := viper.New()

	v.SetDefault("device_name", "")
	v.SetDefault("gid_index", 0)
	v.SetDefault("ring_capacity", 2*1024*1024)
	v.SetDefault("max_pending_wrs", 128)
	v.SetDefault("log_level", "info")
	v.SetDefault("dial_timeout_ms", 5000)
	v.SetDefault("listen_addr", ":9999")
	v.SetDefault("conn_id", hostnameConnID())

	v.SetEnvPrefix("IBVCONN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ibvconn")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ibvconn")
		v.AddConfigPath("/etc/ibvconn")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("error binding command-line flags: %w", err)
		}
	}

	var cfg ConnConfig
	cfg.DeviceName = v.GetString("device_name")
	cfg.GIDIndex = v.GetInt("gid_index")
	cfg.RingCapacity = uint64(v.GetInt64("ring_capacity"))
	cfg.MaxPendingWRs = v.GetUint32("max_pending_wrs")
	cfg.LogLevel = v.GetString("log_level")
	cfg.DialTimeoutMS = v.GetUint32("dial_timeout_ms")
	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.ConnID = v.GetString("conn_id")
	if cfg.ConnID == "" {
		cfg.ConnID = hostnameConnID()
	}

	return &cfg, nil
}

// CreateDefaultConnConfig writes a default configuration file for a new
// deployment.
func CreateDefaultConnConfig(path string) error {
	configContent := `# ibvconn configuration
device_name: "" # Leave empty to use the first RDMA device found
gid_index: 0
ring_capacity: 2097152 # 2 MiB, must be a power of two
max_pending_wrs: 128
log_level: "info" # debug, info, warn, error
dial_timeout_ms: 5000
listen_addr: ":9999"
conn_id: "" # Leave empty to default to the system hostname
`
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// hostnameConnID returns the system hostname to use as the default
// connection identifier, or a pid-derived fallback if the hostname is
// unavailable.
func hostnameConnID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("conn-%d", os.Getpid())
	}
	return hostname
}
