package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/credentials"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/reviews"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath = errors.New("database path is required")
	errMissingDSN  = errors.New("database dsn is required")
)

// Config selects and locates the relational store.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured store and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		db, err = openSQLite(cfg.Path)
	case DriverPostgres:
		db, err = openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()))
	return db, nil
}

// Migrate creates or updates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&credentials.Credential{},
		&reviews.Workspace{},
		&reviews.ReviewRecord{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func openSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errMissingDSN
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}
