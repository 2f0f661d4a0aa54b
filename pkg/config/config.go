package config

import (
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth     AuthConfig     `mapstructure:"auth"`
	Deployer DeployerConfig `mapstructure:"deployer"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DeployerConfig struct {
	URL            string `mapstructure:"url"`             // Base URL of the external deployer service
	Secret         string `mapstructure:"secret"`          // Bearer secret used to authenticate against the deployer
	StrictTeardown bool   `mapstructure:"strict_teardown"` // Keep the local record when the deployer's teardown call fails
}

type TrackerConfig struct {
	DBPath       string        `mapstructure:"db_path"`                 // Path to the database file
	ChallengeDir string        `mapstructure:"challenge_dir"`           // Directory where challenge manifests are stored
	TeamsMode    bool          `mapstructure:"teams_mode"`              // Scope deployments by team instead of by user
	StaleAfter   time.Duration `mapstructure:"stale_after,omitempty"`   // Age after which an in-progress record counts as a crashed create
	ReapInterval time.Duration `mapstructure:"reap_interval,omitempty"` // How often the reaper scans for crashed creates
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

// applyEnvOverrides runs on every Load so that a config file reload cannot
// silently revert secrets supplied through the environment.
func applyEnvOverrides(cfg *Config) {
	if secret := os.Getenv("DEPLOYER_SECRET"); secret != "" {
		cfg.Deployer.Secret = secret
	}
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Tracker: TrackerConfig{
			DBPath:       "zync.db",
			StaleAfter:   15 * time.Minute,
			ReapInterval: time.Minute,
		},
	}
	return nil
}
