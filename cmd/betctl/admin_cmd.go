package main

import (
	"fmt"
	"io"
	"strings"
)

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
	switch args[0] {
	case "deposit":
		return runAdminDeposit(args[1:], stdout, stderr)
	case "withdraw":
		return runAdminWithdraw(args[1:], stdout, stderr)
	case "set-trophy":
		return runAdminSetTrophy(args[1:], stdout, stderr)
	case "rotate-oracle":
		return runAdminRotateOracle(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
}

func adminUsage() string {
	return strings.TrimSpace(`Usage:
  betctl admin <command> [flags]

Commands:
  deposit        Credit an account balance (devnet funding)
  withdraw       Sweep the vault to an address
  set-trophy     Set the trophy namespace and resolver
  rotate-oracle  Point the engine at a remote oracle and fee collector

Admin calls require a token carrying the wager:admin scope.`)
}

func runAdminDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("admin deposit", stderr)
	var to, amount string
	fs.StringVar(&to, "to", "", "account credited")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if to == "" || amount == "" {
		return printError(stderr, "--to and --amount are required")
	}
	return invoke(stdout, stderr, "wager_adminDeposit", map[string]interface{}{"to": to, "amount": amount}, true)
}

func runAdminWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("admin withdraw", stderr)
	var to string
	fs.StringVar(&to, "to", "", "recipient of the vault balance")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if to == "" {
		return printError(stderr, "--to is required")
	}
	return invoke(stdout, stderr, "wager_adminWithdraw", map[string]interface{}{"to": to}, true)
}

func runAdminSetTrophy(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("admin set-trophy", stderr)
	var namespace, resolver string
	fs.StringVar(&namespace, "namespace", "", "trophy namespace")
	fs.StringVar(&resolver, "resolver", "", "resolver address recorded with each trophy")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if namespace == "" {
		return printError(stderr, "--namespace is required")
	}
	return invoke(stdout, stderr, "wager_adminSetTrophy", map[string]interface{}{
		"namespace": namespace,
		"resolver":  resolver,
	}, true)
}

func runAdminRotateOracle(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("admin rotate-oracle", stderr)
	var url, collector string
	var timeoutMS int
	fs.StringVar(&url, "url", "", "base URL of the oracle API")
	fs.StringVar(&collector, "fee-collector", "", "account receiving oracle fees")
	fs.IntVar(&timeoutMS, "timeout-ms", 0, "request timeout for oracle calls")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if url == "" || collector == "" {
		return printError(stderr, "--url and --fee-collector are required")
	}
	params := map[string]interface{}{"url": url, "feeCollector": collector}
	if timeoutMS > 0 {
		params["timeoutMs"] = timeoutMS
	}
	return invoke(stdout, stderr, "wager_adminRotateOracle", params, true)
}
