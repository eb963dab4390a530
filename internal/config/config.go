// Package config loads settlementd configuration from flags, environment
// variables and an optional config file, in that order of precedence.
//
// Every flag has an environment twin: --db-path is SETTLEMENT_DB_PATH.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SETTLEMENT"

// Config holds the settings of a node or a notary process.
type Config struct {
	// Name is the party name this process signs as.
	Name string `mapstructure:"name"`

	// Listen is the local address the HTTP server binds.
	Listen string `mapstructure:"listen"`

	// PublicURL is the address peers use to reach this process.
	PublicURL string `mapstructure:"public-url"`

	DBPath  string `mapstructure:"db-path"`
	KeyFile string `mapstructure:"key-file"`

	// NotaryURL is the base URL of the notary and network map.
	NotaryURL string `mapstructure:"notary-url"`

	// NotaryName is the network map name of the trusted notary.
	NotaryName string `mapstructure:"notary-name"`

	// JWTSecret enables operator authentication on the API when set.
	JWTSecret string `mapstructure:"jwt-secret"`

	PeerTimeout time.Duration `mapstructure:"peer-timeout"`

	// FinalityTimeout is how long a signed proposal waits for the
	// initiator's finalized transition. It must exceed PeerTimeout.
	FinalityTimeout time.Duration `mapstructure:"finality-timeout"`

	// MaxPending bounds the signed proposals awaiting finality.
	MaxPending int `mapstructure:"max-pending"`

	NetmapCacheSize int    `mapstructure:"netmap-cache-size"`
	LogLevel        string `mapstructure:"log-level"`
}

// New returns a viper instance reading SETTLEMENT_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// AddFlags registers the shared flags on cmd and binds them to v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.Flags()
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("name", "", "party name this process signs as")
	fs.String("listen", ":8080", "address to listen on")
	fs.String("public-url", "", "URL peers use to reach this process (default http://localhost<listen>)")
	fs.String("db-path", "./data/settlement.db", "SQLite database path")
	fs.String("key-file", "./data/settlement.key", "ed25519 key file (hex seed)")
	fs.String("notary-url", "http://localhost:9090", "notary and network map base URL")
	fs.String("notary-name", "Notary", "network map name of the trusted notary")
	fs.String("jwt-secret", "", "secret for operator tokens; API is open when empty")
	fs.Duration("peer-timeout", 30*time.Second, "timeout for one peer session call")
	fs.Duration("finality-timeout", 2*time.Minute, "how long a signed proposal waits for finality")
	fs.Int("max-pending", 1024, "signed proposals allowed to await finality at once")
	fs.Int("netmap-cache-size", 256, "number of network map entries to cache")
	fs.String("log-level", "info", "debug, info, warn or error")
	return v.BindPFlags(fs)
}

// Load reads the optional config file and decodes the merged settings.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if c.PublicURL == "" {
		c.PublicURL = defaultPublicURL(c.Listen)
	}
	return &c, nil
}

func defaultPublicURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

// ValidateNode checks the settings a party node needs.
func (c *Config) ValidateNode() error {
	var result *multierror.Error
	if c.Name == "" {
		result = multierror.Append(result, errors.New("name is required"))
	}
	if c.NotaryURL == "" {
		result = multierror.Append(result, errors.New("notary-url is required"))
	}
	if c.NotaryName == "" {
		result = multierror.Append(result, errors.New("notary-name is required"))
	}
	if c.Name != "" && c.Name == c.NotaryName {
		result = multierror.Append(result, fmt.Errorf("name %q is reserved for the notary", c.Name))
	}
	if c.FinalityTimeout <= c.PeerTimeout {
		result = multierror.Append(result, errors.New("finality-timeout must exceed peer-timeout"))
	}
	if c.MaxPending <= 0 {
		result = multierror.Append(result, errors.New("max-pending must be positive"))
	}
	return c.validateCommon(result)
}

// ValidateNotary checks the settings the notary needs.
func (c *Config) ValidateNotary() error {
	var result *multierror.Error
	if c.Name == "" {
		result = multierror.Append(result, errors.New("name is required"))
	}
	return c.validateCommon(result)
}

func (c *Config) validateCommon(result *multierror.Error) error {
	if c.Listen == "" {
		result = multierror.Append(result, errors.New("listen is required"))
	}
	if c.DBPath == "" {
		result = multierror.Append(result, errors.New("db-path is required"))
	}
	if c.KeyFile == "" {
		result = multierror.Append(result, errors.New("key-file is required"))
	}
	if c.PeerTimeout < 0 {
		result = multierror.Append(result, errors.New("peer-timeout must not be negative"))
	}
	return result.ErrorOrNil()
}
