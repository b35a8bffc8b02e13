package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"pricewager/crypto"
	"pricewager/gateway/middleware"
	"pricewager/oracle"
)

// Admin methods act as the engine owner; the wager:admin scope check in
// handle is what authorises them.

type depositParams struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type setTrophyParams struct {
	Namespace string `json:"namespace"`
	Resolver  string `json:"resolver"`
}

type withdrawParams struct {
	To string `json:"to"`
}

type rotateOracleParams struct {
	URL          string `json:"url"`
	FeeCollector string `json:"feeCollector"`
	TimeoutMS    int    `json:"timeoutMs,omitempty"`
}

type AdminResult struct {
	OK     bool   `json:"ok"`
	Amount string `json:"amount,omitempty"`
}

func (s *Server) handleAdminDeposit(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params depositParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Deposit(s.engine.Owner(), to, amount); err != nil {
		return nil, err
	}
	s.auditLog(ctx, "wager_adminDeposit", slog.String("to", params.To), slog.String("amount", amount.String()))
	return AdminResult{OK: true, Amount: amount.String()}, nil
}

func (s *Server) handleAdminSetTrophy(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params setTrophyParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	resolver, err := parseAddress("resolver", params.Resolver)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetTrophyConfig(s.engine.Owner(), params.Namespace, resolver); err != nil {
		return nil, err
	}
	s.auditLog(ctx, "wager_adminSetTrophy", slog.String("namespace", params.Namespace))
	return AdminResult{OK: true}, nil
}

func (s *Server) handleAdminWithdraw(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params withdrawParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		return nil, err
	}
	amount, err := s.engine.EmergencyWithdraw(s.engine.Owner(), to)
	if err != nil {
		return nil, err
	}
	s.auditLog(ctx, "wager_adminWithdraw", slog.String("to", crypto.FormatAddress(to)), slog.String("amount", amount.String()))
	return AdminResult{OK: true, Amount: amount.String()}, nil
}

// handleAdminRotateOracle points the engine at a remote oracle service.
func (s *Server) handleAdminRotateOracle(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params rotateOracleParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	collector, err := parseAddress("feeCollector", params.FeeCollector)
	if err != nil {
		return nil, err
	}
	timeout := 10 * time.Second
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}
	client, err := oracle.NewClient(params.URL, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, invalidParams("url: %v", err)
	}
	if err := s.engine.RotateOracle(s.engine.Owner(), client, collector); err != nil {
		return nil, err
	}
	s.auditLog(ctx, "wager_adminRotateOracle", slog.String("url", params.URL))
	return AdminResult{OK: true}, nil
}

func (s *Server) auditLog(ctx context.Context, method string, attrs ...any) {
	attrs = append(attrs, slog.String("method", method), slog.String("subject", middleware.SubjectFromContext(ctx)))
	s.logger.Info("admin operation", attrs...)
}
