package config

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Accounts holds the resolved privileged addresses of the engine.
type Accounts struct {
	Owner        [20]byte
	Vault        [20]byte
	FeeCollector [20]byte
	Keeper       [20]byte
}

// ModuleAddress derives the deterministic address of a named module account.
func ModuleAddress(name string) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("pricewager/module/"+name))[12:])
	return out
}

// ResolveAccounts fills unset accounts. Owner and Keeper default to the
// operator; Vault and FeeCollector default to module accounts.
func (c *Config) ResolveAccounts(operator [20]byte) (Accounts, error) {
	var out Accounts
	var err error
	if out.Owner, err = addressOr(c.Accounts.Owner, operator); err != nil {
		return Accounts{}, fmt.Errorf("config: accounts.Owner: %w", err)
	}
	if out.Vault, err = addressOr(c.Accounts.Vault, ModuleAddress("vault")); err != nil {
		return Accounts{}, fmt.Errorf("config: accounts.Vault: %w", err)
	}
	if out.FeeCollector, err = addressOr(c.Accounts.FeeCollector, ModuleAddress("oracle-fees")); err != nil {
		return Accounts{}, fmt.Errorf("config: accounts.FeeCollector: %w", err)
	}
	if out.Keeper, err = addressOr(c.Accounts.Keeper, operator); err != nil {
		return Accounts{}, fmt.Errorf("config: accounts.Keeper: %w", err)
	}
	if out.Owner == ([20]byte{}) {
		return Accounts{}, fmt.Errorf("config: owner address required")
	}
	if out.Vault == out.FeeCollector {
		return Accounts{}, fmt.Errorf("config: vault and fee collector must differ")
	}
	return out, nil
}

func addressOr(value string, fallback [20]byte) ([20]byte, error) {
	addr, err := Address(value)
	if err != nil {
		return [20]byte{}, err
	}
	if addr == ([20]byte{}) {
		return fallback, nil
	}
	return addr, nil
}
