package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"pricewager/crypto"
)

// OperatorPassphraseEnv names the environment variable holding the operator
// keystore passphrase.
const OperatorPassphraseEnv = "PRICEWAGER_OPERATOR_PASSPHRASE"

type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	Environment          string `toml:"Environment"`
	LogLevel             string `toml:"LogLevel"`
	LogFile              string `toml:"LogFile"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`

	Store     StoreConfig     `toml:"store"`
	Wager     WagerConfig     `toml:"wager"`
	Accounts  AccountsConfig  `toml:"accounts"`
	Oracle    OracleConfig    `toml:"oracle"`
	Trophy    TrophyConfig    `toml:"trophy"`
	Indexer   IndexerConfig   `toml:"indexer"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Webhooks  WebhooksConfig  `toml:"webhooks"`
	Keeper    KeeperConfig    `toml:"keeper"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	CORS      CORSConfig      `toml:"cors"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
}

// WithKeystorePassphraseSource supplies the passphrase used when a new
// operator keystore has to be generated. Without it the value of
// OperatorPassphraseEnv is used.
func WithKeystorePassphraseSource(source func() (string, error)) Option {
	return func(o *loadOptions) {
		if source != nil {
			o.passphrase = source
		}
	}
}

// Load loads the configuration from the given path, creating a default file
// and operator keystore when none exists.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{passphrase: func() (string, error) {
		return os.Getenv(OperatorPassphraseEnv), nil
	}}
	for _, opt := range opts {
		opt(&options)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path, options)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}
	cfg.resolveRelative(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the devnet defaults used when creating a config file.
func Default() *Config {
	return &Config{
		RPCAddress:  ":8545",
		DataDir:     "./pricewager-data",
		Environment: "dev",
		LogLevel:    "info",
		Store:       StoreConfig{Backend: StoreLevelDB},
		Wager:       defaultWager(),
		Oracle: OracleConfig{
			Mode:         OracleLocal,
			FeePerUpdate: "1",
			SignLocally:  true,
		},
		Trophy: TrophyConfig{
			Path:      "trophies.db",
			Namespace: "wager",
		},
		Kafka: KafkaConfig{Topic: "pricewager.events"},
		Keeper: KeeperConfig{
			Enabled:  true,
			Schedule: "*/30 * * * * *",
		},
		Auth: AuthConfig{
			Issuer:     "pricewager",
			ScopeClaim: "scope",
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 60},
		Telemetry: TelemetryConfig{SampleRatio: 1},
	}
}

func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := generateKeystore(keystorePath, options); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options loadOptions) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if err := generateKeystore(keystorePath, options); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.OperatorKeystorePath = keystorePath
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.resolveRelative(filepath.Dir(path))
	return cfg, nil
}

func generateKeystore(path string, options loadOptions) error {
	passphrase, err := options.passphrase()
	if err != nil {
		return fmt.Errorf("config: operator keystore passphrase: %w", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, passphrase)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

// resolveRelative anchors data paths under DataDir.
func (c *Config) resolveRelative(base string) {
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) && base != "" && base != "." {
		c.DataDir = filepath.Join(base, c.DataDir)
	}
	if c.Trophy.Path != "" && !filepath.IsAbs(c.Trophy.Path) {
		c.Trophy.Path = filepath.Join(c.DataDir, c.Trophy.Path)
	}
}

// StorePath is the LevelDB directory for engine state.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "state")
}
