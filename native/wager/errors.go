package wager

import "errors"

var (
	ErrZeroAddressConfig   = errors.New("wager: required address or collaborator not configured")
	ErrStakeTooLow         = errors.New("wager: stake below minimum")
	ErrStakeMismatch       = errors.New("wager: escrow must equal the bet stake")
	ErrDurationOutOfRange  = errors.New("wager: duration out of range")
	ErrIdentifierCollision = errors.New("wager: bet identifier already exists")
	ErrNotFound            = errors.New("wager: bet not found")
	ErrAlreadyMatched      = errors.New("wager: bet already matched")
	ErrSelfMatch           = errors.New("wager: creator cannot take the opposite side")
	ErrTimeWindow          = errors.New("wager: operation outside permitted time window")
	ErrAlreadyTerminal     = errors.New("wager: bet already resolved or cancelled")
	ErrPriceUnavailable    = errors.New("wager: oracle price unavailable or stale")
	ErrPriceFormat         = errors.New("wager: invalid price format")
	ErrInsufficientFee     = errors.New("wager: insufficient oracle fee")
	ErrInsufficientBalance = errors.New("wager: insufficient balance")
	ErrUnauthorized        = errors.New("wager: unauthorized")
	ErrNotYetMatched       = errors.New("wager: bet has no opponent")
	ErrTransferFailed      = errors.New("wager: payout transfer failed")
	ErrLabelInvalid        = errors.New("wager: invalid trophy label")
	ErrLabelTaken          = errors.New("wager: trophy label already reserved")
	ErrInvalidAmount       = errors.New("wager: amount must be positive")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrZeroAddressConfig, "zero_address_config"},
	{ErrStakeTooLow, "stake_too_low"},
	{ErrStakeMismatch, "stake_mismatch"},
	{ErrDurationOutOfRange, "duration_out_of_range"},
	{ErrIdentifierCollision, "identifier_collision"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyMatched, "already_matched"},
	{ErrSelfMatch, "self_match"},
	{ErrTimeWindow, "time_window"},
	{ErrAlreadyTerminal, "already_terminal"},
	{ErrPriceUnavailable, "price_unavailable"},
	{ErrPriceFormat, "price_format"},
	{ErrInsufficientFee, "insufficient_fee"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotYetMatched, "not_yet_matched"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrLabelInvalid, "label_invalid"},
	{ErrLabelTaken, "label_taken"},
	{ErrInvalidAmount, "invalid_amount"},
}

// ErrorKind maps err to a stable identifier clients can switch on. Errors not
// produced by the engine map to "internal"; nil maps to "".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return "internal"
}
