package indexer

import (
	"context"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetBet struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Creator       string `parquet:"name=creator, type=BYTE_ARRAY, convertedtype=UTF8"`
	Joiner        string `parquet:"name=joiner, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeedID        string `parquet:"name=feed_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stake         string `parquet:"name=stake, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetPrice   string `parquet:"name=target_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriceExpo     int32  `parquet:"name=price_expo, type=INT32"`
	StartPrice    int64  `parquet:"name=start_price, type=INT64"`
	FinalPrice    int64  `parquet:"name=final_price, type=INT64"`
	Label         string `parquet:"name=label, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Winner        string `parquet:"name=winner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payout        string `parquet:"name=payout, type=BYTE_ARRAY, convertedtype=UTF8"`
	TrophyName    string `parquet:"name=trophy_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	TrophyOutcome string `parquet:"name=trophy_outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     int64  `parquet:"name=created_at, type=INT64"`
	Deadline      int64  `parquet:"name=deadline, type=INT64"`
	ResolvedAt    int64  `parquet:"name=resolved_at, type=INT64"`
}

// ExportParquet writes every bet matching filter to a parquet file at path and
// returns the number of rows written.
func (i *Indexer) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	rows, err := i.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("indexer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetBet), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range rows {
		row := &parquetBet{
			ID:            rec.ID,
			Creator:       rec.Creator,
			Joiner:        rec.Joiner,
			FeedID:        rec.FeedID,
			Stake:         rec.Stake,
			TargetPrice:   rec.TargetPrice,
			PriceExpo:     rec.PriceExpo,
			StartPrice:    rec.StartPrice,
			FinalPrice:    rec.FinalPrice,
			Label:         rec.Label,
			Status:        rec.Status,
			Winner:        rec.Winner,
			Payout:        rec.Payout,
			TrophyName:    rec.TrophyName,
			TrophyOutcome: rec.TrophyOutcome,
			CreatedAt:     rec.CreatedAt,
			Deadline:      rec.Deadline,
			ResolvedAt:    rec.ResolvedAt,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("indexer: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	return len(rows), nil
}
