package config

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"pricewager/crypto"
	"pricewager/native/wager"
)

// Validate checks every section and reports the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	switch c.Store.Backend {
	case StoreMemory, StoreLevelDB:
	default:
		return fmt.Errorf("config: store.Backend must be %q or %q", StoreMemory, StoreLevelDB)
	}
	if c.Store.Backend == StoreLevelDB && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required for the leveldb backend")
	}
	if _, err := c.WagerParams(); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"accounts.Owner":        c.Accounts.Owner,
		"accounts.Vault":        c.Accounts.Vault,
		"accounts.FeeCollector": c.Accounts.FeeCollector,
		"accounts.Keeper":       c.Accounts.Keeper,
		"trophy.Resolver":       c.Trophy.Resolver,
	} {
		if err := optionalAddress(field, value); err != nil {
			return err
		}
	}
	if err := c.validateOracle(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Trophy.Namespace) == "" {
		return fmt.Errorf("config: trophy.Namespace required")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("config: kafka.Topic required when brokers are set")
	}
	if c.Webhooks.URL != "" {
		if err := absoluteURL("webhooks.URL", c.Webhooks.URL); err != nil {
			return err
		}
		if c.Webhooks.ResolvedSecret() == "" {
			return fmt.Errorf("config: webhooks secret required when URL is set")
		}
	}
	if c.Auth.Enabled && len(c.Auth.ResolvedSecret()) < 16 {
		return fmt.Errorf("config: auth secret must be at least 16 bytes")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: ratelimit values must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry.SampleRatio must be within [0,1]")
	}
	return nil
}

func (c *Config) validateOracle() error {
	o := c.Oracle
	if _, err := o.Fee(); err != nil {
		return err
	}
	switch o.Mode {
	case OracleLocal:
		if len(o.Publishers) == 0 && !o.SignLocally {
			return fmt.Errorf("config: oracle.Publishers required unless SignLocally is set")
		}
		if _, err := o.PublisherAddresses(); err != nil {
			return err
		}
	case OracleRemote:
		if err := absoluteURL("oracle.RemoteURL", o.RemoteURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: oracle.Mode must be %q or %q", OracleLocal, OracleRemote)
	}
	if o.UpdateSourceURL != "" {
		if err := absoluteURL("oracle.UpdateSourceURL", o.UpdateSourceURL); err != nil {
			return err
		}
	}
	if c.Keeper.Enabled && o.UpdateSourceURL == "" && !o.LocalSigner() {
		return fmt.Errorf("config: keeper needs oracle.UpdateSourceURL or SignLocally")
	}
	return nil
}

// WagerParams converts the wager section into engine parameters.
func (c *Config) WagerParams() (wager.Params, error) {
	minStake, ok := new(big.Int).SetString(strings.TrimSpace(c.Wager.MinStake), 10)
	if !ok || minStake.Sign() <= 0 {
		return wager.Params{}, fmt.Errorf("config: wager.MinStake must be a positive integer")
	}
	params := wager.Params{
		MinStake:        minStake,
		MinDuration:     c.Wager.MinDuration,
		MaxDuration:     c.Wager.MaxDuration,
		MinJoinDuration: c.Wager.MinJoinDuration,
		MaxJoinDuration: c.Wager.MaxJoinDuration,
		MaxPriceAge:     c.Wager.MaxPriceAge,
	}
	if err := params.Validate(); err != nil {
		return wager.Params{}, fmt.Errorf("config: wager: %w", err)
	}
	return params, nil
}

// LocalSigner reports whether the operator key signs updates for an
// embedded feed. SignLocally is ignored in remote mode.
func (o OracleConfig) LocalSigner() bool {
	return o.Mode == OracleLocal && o.SignLocally
}

// Fee parses the per-update oracle fee.
func (o OracleConfig) Fee() (*big.Int, error) {
	value := strings.TrimSpace(o.FeePerUpdate)
	if value == "" {
		return big.NewInt(0), nil
	}
	fee, ok := new(big.Int).SetString(value, 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("config: oracle.FeePerUpdate must be a non-negative integer")
	}
	return fee, nil
}

// PublisherAddresses parses the trusted publisher list.
func (o OracleConfig) PublisherAddresses() ([][20]byte, error) {
	out := make([][20]byte, 0, len(o.Publishers))
	for i, value := range o.Publishers {
		addr, err := crypto.ParseAddress(value)
		if err != nil {
			return nil, fmt.Errorf("config: oracle.Publishers[%d]: %w", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Address parses an optional address field; empty yields the zero address.
func Address(value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, nil
	}
	return crypto.ParseAddress(value)
}

func optionalAddress(field, value string) error {
	if _, err := Address(value); err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	return nil
}

func absoluteURL(field, value string) error {
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL", field)
	}
	return nil
}
