package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxClientID is the hard ceiling on concurrent clients. Client ids are
// single bytes on the wire, so the server can never track more than this
// many connections regardless of configuration.
const MaxClientID = 255

// Config contains all of the configuration options available to any of the
// server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	// Blank listens on all interfaces.
	Hostname string `mapstructure:"hostname"`

	RelayServer struct {
		// Port on which the relay server will listen.
		Port int `mapstructure:"port"`
		// Maximum number of concurrent clients (clamped to 255).
		MaxClients int `mapstructure:"max_clients"`
		// Seconds of read inactivity after which a client is dropped.
		IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
		// Optional message of the day sent to clients after they identify.
		MOTD string `mapstructure:"motd"`
		// Opcodes accepted in sync property replies in addition to the
		// built-in set.
		SyncPropOpcodes []int `mapstructure:"sync_prop_opcodes"`
	} `mapstructure:"relay_server"`

	Version struct {
		// Inclusive (major, minor) window of client versions the server accepts.
		MajorMin int `mapstructure:"major_min"`
		MinorMin int `mapstructure:"minor_min"`
		MajorMax int `mapstructure:"major_max"`
		MinorMax int `mapstructure:"minor_max"`
		// Exact script version clients must report.
		Script int `mapstructure:"script"`
	} `mapstructure:"version"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		Enabled bool `mapstructure:"enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log a dump of every frame read from or written to a client.
		FrameLoggingEnabled bool `mapstructure:"frame_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "POWDERMUX"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, relay_server.port can be set using:
	// <envVarPrefix>_RELAY_SERVER_PORT
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

func setDefaults() {
	viper.SetDefault("relay_server.port", 34403)
	viper.SetDefault("relay_server.max_clients", MaxClientID)
	viper.SetDefault("relay_server.idle_timeout_seconds", 90)
	viper.SetDefault("logging.log_level", "info")
}

// ListenAddress returns the full address to which the relay server should bind.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.RelayServer.Port)
}

// MaxClients returns the configured connection limit clamped to the protocol's
// one-byte id space.
func (c *Config) MaxClients() int {
	if c.RelayServer.MaxClients <= 0 || c.RelayServer.MaxClients > MaxClientID {
		return MaxClientID
	}
	return c.RelayServer.MaxClients
}

// IdleTimeout returns the read inactivity window after which clients are
// disconnected.
func (c *Config) IdleTimeout() time.Duration {
	if c.RelayServer.IdleTimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.RelayServer.IdleTimeoutSeconds) * time.Second
}
