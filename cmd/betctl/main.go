package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	rpcURLEnv   = "PRICEWAGER_RPC_URL"
	rpcTokenEnv = "PRICEWAGER_RPC_TOKEN"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv(rpcTokenEnv)
)

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "join":
		return runJoin(args[1:], stdout, stderr)
	case "resolve":
		return runResolve(args[1:], stdout, stderr)
	case "cancel":
		return runCancel(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "convert":
		return runConvert(args[1:], stdout, stderr)
	case "quote":
		return runQuote(args[1:], stdout, stderr)
	case "params":
		return runSimpleCall("wager_params", args[1:], stdout, stderr)
	case "admin":
		return runAdminCommand(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "sign-update":
		return runSignUpdate(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  betctl [--rpc URL] <command> [flags]

Bet commands:
  create       Open a bet against a USD target
  join         Take the opposite side of an open bet
  resolve      Settle a matured bet with fresh price updates
  cancel       Refund an unmatched bet after its join window
  get          Fetch a bet by id
  list         List bets from the indexer or engine state
  balance      Show an account balance
  convert      Convert between USD and oracle fixed point
  quote        Quote the oracle fee for fresh updates
  params       Show engine parameters

Operator commands:
  admin        Owner operations (deposit, withdraw, set-trophy, rotate-oracle)
  token        Mint an API token signed with the HMAC secret
  keygen       Create an encrypted keystore
  sign-update  Sign a price update with a keystore key
  export       Export indexed history to parquet, csv or jsonl

Environment:
  PRICEWAGER_RPC_URL    RPC endpoint (default http://localhost:8545)
  PRICEWAGER_RPC_TOKEN  Bearer token for write and admin calls`)
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}
