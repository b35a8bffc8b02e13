// Package exports renders indexed bet history into flat files.
package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"pricewager/indexer"
)

var csvHeader = []string{
	"id", "creator", "joiner", "feed_id", "stake", "target_price", "price_expo",
	"start_price", "final_price", "label", "status", "winner", "payout",
	"trophy_name", "created_at", "deadline", "resolved_at",
}

// BetsCSV builds a CSV export of records and returns the payload alongside a
// SHA-256 checksum.
func BetsCSV(records []indexer.BetRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.Creator,
			rec.Joiner,
			rec.FeedID,
			orZero(rec.Stake),
			orZero(rec.TargetPrice),
			strconv.FormatInt(int64(rec.PriceExpo), 10),
			strconv.FormatInt(rec.StartPrice, 10),
			strconv.FormatInt(rec.FinalPrice, 10),
			rec.Label,
			rec.Status,
			rec.Winner,
			orZero(rec.Payout),
			rec.TrophyName,
			strconv.FormatInt(rec.CreatedAt, 10),
			strconv.FormatInt(rec.Deadline, 10),
			strconv.FormatInt(rec.ResolvedAt, 10),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	return withChecksum(buffer.Bytes())
}

// BetsJSONL builds a JSON Lines export of records and returns the payload
// alongside a checksum.
func BetsJSONL(records []indexer.BetRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		payload := map[string]interface{}{
			"id":           rec.ID,
			"creator":      rec.Creator,
			"joiner":       rec.Joiner,
			"feed_id":      rec.FeedID,
			"stake":        orZero(rec.Stake),
			"target_price": orZero(rec.TargetPrice),
			"price_expo":   rec.PriceExpo,
			"start_price":  rec.StartPrice,
			"final_price":  rec.FinalPrice,
			"label":        rec.Label,
			"status":       rec.Status,
			"winner":       rec.Winner,
			"payout":       orZero(rec.Payout),
			"trophy_name":  rec.TrophyName,
			"created_at":   rec.CreatedAt,
			"deadline":     rec.Deadline,
			"resolved_at":  rec.ResolvedAt,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	return withChecksum(buffer.Bytes())
}

func withChecksum(data []byte) ([]byte, string, error) {
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}
