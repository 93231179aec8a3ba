package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/tally/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case DialectMySQL:
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case DialectPostgres:
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case DialectSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			path = "tally.db"
		}
		return sqlite.Open(fmt.Sprintf("file:%s?_loc=auto&_busy_timeout=5000", path)), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// DialectName returns the normalized dialect of an open connection.
func DialectName(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return ""
	}
	switch name := db.Dialector.Name(); name {
	case "postgres", "pgx":
		return DialectPostgres
	case "mysql":
		return DialectMySQL
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return name
	}
}
