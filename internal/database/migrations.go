package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillTransactionRoots = "2026-08-20_backfill_transaction_roots"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillTransactionRoots, apply: backfillTransactionRoots},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillTransactionRoots repairs log rows written before root ids were
// recorded on transactions: copy the root from the object row, falling back
// to the object id itself for roots.
func backfillTransactionRoots(db *gorm.DB) error {
	return db.Exec(`
UPDATE object_transactions
SET root_id = COALESCE(
    (SELECT o.root_id FROM objects o WHERE o.id = object_transactions.object_id),
    object_transactions.object_id)
WHERE root_id = ''`).Error
}
