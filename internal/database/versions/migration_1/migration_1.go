package migration_1

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// Model adds the results of evaluating the trained classifier on the test
// split.
type Model struct {
	TestLoss     sql.NullFloat64
	TestAccuracy sql.NullFloat64
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Model{}, "TestLoss"); err != nil {
		return fmt.Errorf("error adding TestLoss column: %w", err)
	}
	if err := db.Migrator().AddColumn(&Model{}, "TestAccuracy"); err != nil {
		return fmt.Errorf("error adding TestAccuracy column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Model{}, "TestAccuracy"); err != nil {
		return fmt.Errorf("error dropping TestAccuracy column: %w", err)
	}
	if err := db.Migrator().DropColumn(&Model{}, "TestLoss"); err != nil {
		return fmt.Errorf("error dropping TestLoss column: %w", err)
	}
	return nil
}
