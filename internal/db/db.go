package db

import (
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens a GORM connection from a DATABASE_URL-style string. Supported
// prefixes are postgres:// (DSN passed through) and sqlite:// (file path or
// :memory:).
func Init(databaseURL string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"):
		dialector = postgres.Open(databaseURL)
		log.Println("Connecting to PostgreSQL database...")
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dsn := strings.TrimPrefix(databaseURL, "sqlite://")
		dialector = sqlite.Open(dsn)
		log.Println("Connecting to SQLite database at", dsn)
	default:
		return nil, fmt.Errorf("invalid DATABASE_URL %q: must start with postgres:// or sqlite://", databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	log.Println("Database connection established.")
	return db, nil
}
