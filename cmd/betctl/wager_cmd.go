package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// updateList collects repeated --update flags carrying base64 update blobs.
type updateList [][]byte

func (u *updateList) String() string { return fmt.Sprintf("%d updates", len(*u)) }

func (u *updateList) Set(value string) error {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("update must be base64: %w", err)
	}
	*u = append(*u, blob)
	return nil
}

// parseSeconds accepts either a Go duration ("15m") or whole seconds.
func parseSeconds(flagName, value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--%s is required", flagName)
	}
	if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("--%s must be positive", flagName)
		}
		return secs, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d < time.Second {
		return 0, fmt.Errorf("--%s must be seconds or a duration such as 15m", flagName)
	}
	return int64(d / time.Second), nil
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		creator, feed, label, escrow string
		duration, joinDuration       string
		target                       uint64
		updates                      updateList
	)
	fs.StringVar(&creator, "creator", "", "creator address")
	fs.StringVar(&feed, "feed", "", "feed symbol (BTC/USD) or 0x feed id")
	fs.Uint64Var(&target, "target-usd", 0, "target price in whole USD")
	fs.StringVar(&duration, "duration", "", "time until the bet can be resolved (seconds or duration)")
	fs.StringVar(&joinDuration, "join-window", "", "time a counterparty has to join (seconds or duration)")
	fs.StringVar(&label, "label", "", "trophy label awarded to the winner")
	fs.StringVar(&escrow, "escrow", "", "amount escrowed, stake plus oracle fee")
	fs.Var(&updates, "update", "base64 signed price update (repeatable; fetched by the server when omitted)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if creator == "" || feed == "" || label == "" || escrow == "" {
		return printError(stderr, "--creator, --feed, --label and --escrow are required")
	}
	if target == 0 {
		return printError(stderr, "--target-usd must be positive")
	}
	durationSecs, err := parseSeconds("duration", duration)
	if err != nil {
		return printError(stderr, err.Error())
	}
	joinSecs, err := parseSeconds("join-window", joinDuration)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"creator":      creator,
		"feed":         feed,
		"targetUsd":    target,
		"duration":     durationSecs,
		"joinDuration": joinSecs,
		"label":        label,
		"escrow":       escrow,
	}
	if len(updates) > 0 {
		params["updates"] = [][]byte(updates)
	}
	return invoke(stdout, stderr, "wager_create", params, true)
}

func runJoin(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("join", stderr)
	var id, joiner, escrow string
	fs.StringVar(&id, "id", "", "bet id")
	fs.StringVar(&joiner, "joiner", "", "joiner address")
	fs.StringVar(&escrow, "escrow", "", "amount escrowed; must equal the creator's stake")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == "" || joiner == "" || escrow == "" {
		return printError(stderr, "--id, --joiner and --escrow are required")
	}
	return invoke(stdout, stderr, "wager_join", map[string]interface{}{
		"id":     id,
		"joiner": joiner,
		"escrow": escrow,
	}, true)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	var id, caller, fee string
	var updates updateList
	fs.StringVar(&id, "id", "", "bet id")
	fs.StringVar(&caller, "caller", "", "resolver address paying the oracle fee")
	fs.StringVar(&fee, "fee", "", "oracle fee to pay (quoted by the server when omitted)")
	fs.Var(&updates, "update", "base64 signed price update (repeatable)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == "" || caller == "" {
		return printError(stderr, "--id and --caller are required")
	}
	params := map[string]interface{}{"id": id, "caller": caller}
	if fee != "" {
		params["fee"] = fee
	}
	if len(updates) > 0 {
		params["updates"] = [][]byte(updates)
	}
	return invoke(stdout, stderr, "wager_resolve", params, true)
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("cancel", stderr)
	var id, caller string
	fs.StringVar(&id, "id", "", "bet id")
	fs.StringVar(&caller, "caller", "", "creator address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == "" || caller == "" {
		return printError(stderr, "--id and --caller are required")
	}
	return invoke(stdout, stderr, "wager_cancel", map[string]interface{}{"id": id, "caller": caller}, true)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "bet id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == "" {
		return printError(stderr, "--id is required")
	}
	return invoke(stdout, stderr, "wager_get", map[string]interface{}{"id": id}, false)
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var status, participant, feed, source string
	var limit, offset int
	fs.StringVar(&status, "status", "", "open, matched, resolved or cancelled")
	fs.StringVar(&participant, "participant", "", "creator or joiner address")
	fs.StringVar(&feed, "feed", "", "feed symbol or id")
	fs.StringVar(&source, "source", "", "index or state")
	fs.IntVar(&limit, "limit", 0, "maximum bets returned")
	fs.IntVar(&offset, "offset", 0, "bets skipped")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if limit < 0 || offset < 0 {
		return printError(stderr, "--limit and --offset must not be negative")
	}
	params := map[string]interface{}{}
	for key, value := range map[string]string{"status": status, "participant": participant, "feed": feed, "source": source} {
		if value != "" {
			params[key] = value
		}
	}
	if limit > 0 {
		params["limit"] = limit
	}
	if offset > 0 {
		params["offset"] = offset
	}
	return invoke(stdout, stderr, "wager_list", params, false)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if address == "" {
		return printError(stderr, "--address is required")
	}
	return invoke(stdout, stderr, "wager_balance", map[string]interface{}{"address": address}, false)
}

func runConvert(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("convert", stderr)
	var feed, price, expo string
	var usd uint64
	fs.StringVar(&feed, "feed", "", "feed whose catalog exponent is used")
	fs.StringVar(&expo, "expo", "", "explicit exponent, e.g. -8")
	fs.Uint64Var(&usd, "usd", 0, "whole USD to convert into oracle format")
	fs.StringVar(&price, "price", "", "oracle fixed-point price to convert into USD")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if (usd == 0) == (price == "") {
		return printError(stderr, "exactly one of --usd or --price is required")
	}
	params := map[string]interface{}{}
	if feed != "" {
		params["feed"] = feed
	}
	if expo != "" {
		value, err := strconv.ParseInt(expo, 10, 32)
		if err != nil {
			return printError(stderr, "--expo must be an integer")
		}
		params["expo"] = int32(value)
	}
	if feed == "" && expo == "" {
		return printError(stderr, "--feed or --expo is required")
	}
	if usd > 0 {
		params["usd"] = usd
	} else {
		params["price"] = price
	}
	return invoke(stdout, stderr, "wager_convertPrice", params, false)
}

func runQuote(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("quote", stderr)
	var feeds string
	var updates updateList
	fs.StringVar(&feeds, "feeds", "", "comma separated feeds to fetch fresh updates for")
	fs.Var(&updates, "update", "base64 signed price update (repeatable)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{}
	if len(updates) > 0 {
		params["updates"] = [][]byte(updates)
	}
	if feeds != "" {
		var list []string
		for _, f := range strings.Split(feeds, ",") {
			if f = strings.TrimSpace(f); f != "" {
				list = append(list, f)
			}
		}
		params["feeds"] = list
	}
	if len(params) == 0 {
		return printError(stderr, "--feeds or --update is required")
	}
	return invoke(stdout, stderr, "wager_quoteFee", params, false)
}

func runSimpleCall(method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(method, stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke(stdout, stderr, method, map[string]interface{}{}, false)
}
