package config

import (
	"os"
	"strings"

	"pricewager/native/wager"
)

const (
	StoreMemory  = "memory"
	StoreLevelDB = "leveldb"

	OracleLocal  = "local"
	OracleRemote = "remote"
)

// StoreConfig selects the engine state backend.
type StoreConfig struct {
	Backend string `toml:"Backend"`
}

// WagerConfig bounds the monetary and temporal inputs of the engine. MinStake
// is a decimal string so values above 2^64 survive TOML.
type WagerConfig struct {
	MinStake        string `toml:"MinStake"`
	MinDuration     int64  `toml:"MinDurationSeconds"`
	MaxDuration     int64  `toml:"MaxDurationSeconds"`
	MinJoinDuration int64  `toml:"MinJoinDurationSeconds"`
	MaxJoinDuration int64  `toml:"MaxJoinDurationSeconds"`
	MaxPriceAge     int64  `toml:"MaxPriceAgeSeconds"`
}

func defaultWager() WagerConfig {
	p := wager.DefaultParams()
	return WagerConfig{
		MinStake:        p.MinStake.String(),
		MinDuration:     p.MinDuration,
		MaxDuration:     p.MaxDuration,
		MinJoinDuration: p.MinJoinDuration,
		MaxJoinDuration: p.MaxJoinDuration,
		MaxPriceAge:     p.MaxPriceAge,
	}
}

// AccountsConfig names the engine's privileged accounts. An empty Owner
// defaults to the operator key.
type AccountsConfig struct {
	Owner        string `toml:"Owner"`
	Vault        string `toml:"Vault"`
	FeeCollector string `toml:"FeeCollector"`
	Keeper       string `toml:"Keeper"`
}

// OracleConfig selects the price oracle. In local mode the daemon embeds a
// Feed trusting Publishers; SignLocally adds the operator key as a publisher
// and uses it as the update source. Remote mode talks to RemoteURL.
type OracleConfig struct {
	Mode            string   `toml:"Mode"`
	RemoteURL       string   `toml:"RemoteURL"`
	FeePerUpdate    string   `toml:"FeePerUpdate"`
	Publishers      []string `toml:"Publishers"`
	CatalogFile     string   `toml:"CatalogFile"`
	SignLocally     bool     `toml:"SignLocally"`
	UpdateSourceURL string   `toml:"UpdateSourceURL"`
	TimeoutMS       int      `toml:"TimeoutMS"`
}

type TrophyConfig struct {
	Path      string `toml:"Path"`
	Namespace string `toml:"Namespace"`
	Resolver  string `toml:"Resolver"`
}

// IndexerConfig enables the relational event mirror when DSN is set.
type IndexerConfig struct {
	DSN string `toml:"DSN"`
}

type KafkaConfig struct {
	Brokers   []string `toml:"Brokers"`
	Topic     string   `toml:"Topic"`
	QueueSize int      `toml:"QueueSize"`
}

type WebhooksConfig struct {
	URL        string   `toml:"URL"`
	Secret     string   `toml:"Secret"`
	SecretEnv  string   `toml:"SecretEnv"`
	EventTypes []string `toml:"EventTypes"`
}

// ResolvedSecret prefers the environment variable when configured.
func (w WebhooksConfig) ResolvedSecret() string {
	return envOr(w.SecretEnv, w.Secret)
}

type KeeperConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Schedule string `toml:"Schedule"`
}

type AuthConfig struct {
	Enabled       bool   `toml:"Enabled"`
	HMACSecret    string `toml:"HMACSecret"`
	HMACSecretEnv string `toml:"HMACSecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	ScopeClaim    string `toml:"ScopeClaim"`
}

// ResolvedSecret prefers the environment variable when configured.
func (a AuthConfig) ResolvedSecret() string {
	return envOr(a.HMACSecretEnv, a.HMACSecret)
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	// TrustProxyHeaders keys buckets on X-Real-IP / X-Forwarded-For. Enable
	// only behind a proxy that overwrites them.
	TrustProxyHeaders bool `toml:"TrustProxyHeaders"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"AllowedOrigins"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}

func envOr(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return fallback
}
