package exports

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"testing"

	"pricewager/indexer"
)

func sampleRecords() []indexer.BetRecord {
	return []indexer.BetRecord{
		{ID: "01", Creator: "a1", Stake: "1000", TargetPrice: "5000000", PriceExpo: -2, Label: "moon", Status: "open", CreatedAt: 100, Deadline: 700},
		{ID: "02", Creator: "a1", Joiner: "b2", Stake: "1000", TargetPrice: "42", PriceExpo: -8, Status: "resolved", Winner: "b2", Payout: "2000", TrophyName: "lambo.wager"},
	}
}

func TestBetsCSV(t *testing.T) {
	data, sum, err := BetsCSV(sampleRecords())
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	digest := sha256.Sum256(data)
	if sum != hex.EncodeToString(digest[:]) {
		t.Fatalf("checksum mismatch")
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[1][12] != "0" {
		t.Fatalf("expected zero payout for open bet, got %q", rows[1][12])
	}
	if rows[2][13] != "lambo.wager" {
		t.Fatalf("unexpected trophy column %q", rows[2][13])
	}
}

func TestBetsJSONL(t *testing.T) {
	data, _, err := BetsJSONL(sampleRecords())
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines []map[string]any
	for scanner.Scan() {
		var row map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, row)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1]["winner"] != "b2" || lines[1]["payout"] != "2000" {
		t.Fatalf("unexpected row %+v", lines[1])
	}
}
