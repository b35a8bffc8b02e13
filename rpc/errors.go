package rpc

import (
	"errors"
	"net/http"

	"pricewager/native/wager"
)

// Engine error kinds map onto distinct JSON-RPC codes so clients can switch
// on them without parsing messages.
const (
	codeNotFound      = -32004
	codeForbidden     = -32003
	codeConflict      = -32009
	codeValidation    = -32010
	codeOracle        = -32020
	codeInsufficient  = -32030
	codeTrophyLabel   = -32040
	codeInternalError = codeServerError
)

type kindMapping struct {
	code   int
	status int
}

var kindTable = map[string]kindMapping{
	"not_found":             {codeNotFound, http.StatusNotFound},
	"unauthorized":          {codeForbidden, http.StatusForbidden},
	"self_match":            {codeForbidden, http.StatusForbidden},
	"already_matched":       {codeConflict, http.StatusConflict},
	"already_terminal":      {codeConflict, http.StatusConflict},
	"identifier_collision":  {codeConflict, http.StatusConflict},
	"not_yet_matched":       {codeConflict, http.StatusConflict},
	"time_window":           {codeConflict, http.StatusConflict},
	"stake_too_low":         {codeValidation, http.StatusBadRequest},
	"stake_mismatch":        {codeValidation, http.StatusBadRequest},
	"duration_out_of_range": {codeValidation, http.StatusBadRequest},
	"price_format":          {codeValidation, http.StatusBadRequest},
	"invalid_amount":        {codeValidation, http.StatusBadRequest},
	"zero_address_config":   {codeValidation, http.StatusBadRequest},
	"price_unavailable":     {codeOracle, http.StatusServiceUnavailable},
	"insufficient_fee":      {codeInsufficient, http.StatusPaymentRequired},
	"insufficient_balance":  {codeInsufficient, http.StatusPaymentRequired},
	"label_invalid":         {codeTrophyLabel, http.StatusBadRequest},
	"label_taken":           {codeTrophyLabel, http.StatusConflict},
	"transfer_failed":       {codeInternalError, http.StatusInternalServerError},
}

// toRPCError converts handler failures into the wire error. Engine errors
// carry their kind in data.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.status == 0 {
			rpcErr.status = http.StatusBadRequest
		}
		return rpcErr
	}
	kind := wager.ErrorKind(err)
	mapping, ok := kindTable[kind]
	if !ok {
		return &RPCError{
			Code:    codeInternalError,
			Message: "internal error",
			Data:    map[string]string{"kind": "internal"},
			status:  http.StatusInternalServerError,
		}
	}
	return &RPCError{
		Code:    mapping.code,
		Message: err.Error(),
		Data:    map[string]string{"kind": kind},
		status:  mapping.status,
	}
}
