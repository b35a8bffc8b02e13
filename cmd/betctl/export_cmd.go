package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"pricewager/crypto"
	"pricewager/indexer"
	"pricewager/integrations/exports"
	"pricewager/oracle"
)

const (
	exportParquet = "parquet"
	exportCSV     = "csv"
	exportJSONL   = "jsonl"
)

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	var dsn, format, out, status, participant, feed string
	var limit int
	fs.StringVar(&dsn, "dsn", os.Getenv("PRICEWAGER_INDEXER_DSN"), "indexer database (postgres:// URL or sqlite path)")
	fs.StringVar(&format, "format", exportParquet, "parquet, csv or jsonl")
	fs.StringVar(&out, "out", "", "output file")
	fs.StringVar(&status, "status", "", "only bets with this status")
	fs.StringVar(&participant, "participant", "", "only bets involving this address")
	fs.StringVar(&feed, "feed", "", "only bets on this 0x feed id")
	fs.IntVar(&limit, "limit", 0, "maximum rows")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if dsn == "" || out == "" {
		return printError(stderr, "--dsn and --out are required")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case exportParquet, exportCSV, exportJSONL:
	default:
		return printError(stderr, "--format must be parquet, csv or jsonl")
	}

	filter := indexer.Filter{Status: status, Limit: limit}
	if participant != "" {
		addr, err := crypto.ParseAddress(participant)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--participant: %v", err))
		}
		filter.Participant = hex.EncodeToString(addr[:])
	}
	if feed != "" {
		id, err := oracle.ParseFeedID(feed)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--feed: %v", err))
		}
		filter.FeedID = hex.EncodeToString(id[:])
	}

	db, err := indexer.OpenDB(dsn)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	idx := indexer.New(db, nil)
	ctx := context.Background()

	if format == exportParquet {
		rows, err := idx.ExportParquet(ctx, out, filter)
		if err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintf(stdout, "wrote %d bets to %s\n", rows, out)
		return 0
	}

	records, err := idx.List(ctx, filter)
	if err != nil {
		return printError(stderr, err.Error())
	}
	render := exports.BetsCSV
	if format == exportJSONL {
		render = exports.BetsJSONL
	}
	data, checksum, err := render(records)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "wrote %d bets to %s (sha256 %s)\n", len(records), out, checksum)
	return 0
}
