// Package indexer mirrors wager lifecycle events into a relational database
// for history queries and exports. Records are rebuilt solely from events.
package indexer

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BetRecord is the indexed view of a bet.
type BetRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Creator       string `gorm:"size:40;index"`
	Joiner        string `gorm:"size:40;index"`
	FeedID        string `gorm:"size:64;index"`
	Stake         string `gorm:"size:80"`
	TargetPrice   string `gorm:"size:80"`
	PriceExpo     int32
	StartPrice    int64
	OracleFee     string `gorm:"size:80"`
	Label         string `gorm:"size:32;index"`
	Status        string `gorm:"size:16;index"`
	Winner        string `gorm:"size:40"`
	Loser         string `gorm:"size:40"`
	Resolver      string `gorm:"size:40"`
	Payout        string `gorm:"size:80"`
	ResolverFee   string `gorm:"size:80"`
	FinalPrice    int64
	TrophyName    string `gorm:"size:96"`
	TrophyOutcome string `gorm:"size:16"`
	TrophyError   string
	CreatedAt     int64 `gorm:"index"`
	Deadline      int64 `gorm:"index"`
	JoinDeadline  int64
	ResolvedAt    int64
	UpdatedAt     time.Time
}

// TableName pins the table name independent of gorm's pluralisation.
func (BetRecord) TableName() string { return "wager_bets" }

// AdminAction records privileged operations that are not tied to a bet.
type AdminAction struct {
	ID        uint   `gorm:"primaryKey"`
	Type      string `gorm:"size:48;index"`
	Target    string `gorm:"size:40"`
	Amount    string `gorm:"size:80"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (AdminAction) TableName() string { return "wager_admin_actions" }

// AutoMigrate creates or updates the indexer tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&BetRecord{}, &AdminAction{})
}

// OpenDB connects to dsn. postgres:// and postgresql:// DSNs use the postgres
// driver; anything else is treated as a sqlite path or URI.
func OpenDB(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("indexer: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("indexer: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return db, nil
}
