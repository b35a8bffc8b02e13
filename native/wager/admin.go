package wager

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
)

func (e *Engine) requireOwner(caller [20]byte) error {
	if caller != e.owner {
		return fmt.Errorf("%w: owner only", ErrUnauthorized)
	}
	return nil
}

// Owner returns the administrative account.
func (e *Engine) Owner() [20]byte { return e.owner }

// TrophyConfig returns the active trophy namespace configuration.
func (e *Engine) TrophyConfig() TrophyConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trophy
}

// SetTrophyConfig changes the namespace future trophies are issued under.
func (e *Engine) SetTrophyConfig(caller [20]byte, namespace string, resolver [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	ns := strings.ToLower(strings.TrimSpace(namespace))
	if ns == "" || resolver == ([20]byte{}) {
		return fmt.Errorf("%w: namespace and resolver are required", ErrZeroAddressConfig)
	}
	e.trophy = TrophyConfig{Namespace: ns, Resolver: resolver}
	e.logger.Info("trophy namespace updated", slog.String("namespace", ns))
	return nil
}

// EmergencyWithdraw sweeps the whole vault balance to to. Open and matched
// bets are left in place but can no longer be paid out until the vault is
// refilled.
func (e *Engine) EmergencyWithdraw(caller, to [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	if to == ([20]byte{}) {
		return nil, fmt.Errorf("%w: destination required", ErrZeroAddressConfig)
	}
	var swept *big.Int
	err := e.store.Update(func(st State) error {
		bal, err := balanceOf(st, e.vault)
		if err != nil {
			return err
		}
		if err := e.payOut(st, to, bal); err != nil {
			return err
		}
		swept = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("vault swept", slog.String("to", fmt.Sprintf("%x", to)), slog.String("amount", swept.String()))
	e.emit(NewEmergencyWithdrawEvent(to, swept))
	return swept, nil
}

// RotateOracle replaces the oracle adapter and the account its fees are
// forwarded to.
func (e *Engine) RotateOracle(caller [20]byte, oracle PriceOracle, feeCollector [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if oracle == nil || feeCollector == ([20]byte{}) || feeCollector == e.vault {
		return fmt.Errorf("%w: oracle and fee collector are required", ErrZeroAddressConfig)
	}
	e.oracle = oracle
	e.feeCollector = feeCollector
	e.logger.Info("oracle rotated", slog.String("feeCollector", fmt.Sprintf("%x", feeCollector)))
	e.emit(NewOracleRotatedEvent(feeCollector))
	return nil
}

// Deposit credits amount to to. It is the operator faucet used to fund
// accounts outside of any bet.
func (e *Engine) Deposit(caller, to [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if to == ([20]byte{}) || to == e.vault {
		return fmt.Errorf("%w: invalid deposit destination", ErrZeroAddressConfig)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amt)
	}
	if err := e.store.Update(func(st State) error { return credit(st, to, amt) }); err != nil {
		return err
	}
	e.emit(NewDepositEvent(to, amt))
	return nil
}
