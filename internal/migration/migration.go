package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every persisted type. Dialects without versioned SQL are
// brought up to date from these.
func Models() []any {
	return []any{
		&catalogdomain.UsageMetric{},
		&catalogdomain.BillingPlan{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageSummary{},
		&limitdomain.UsageLimit{},
		&limitdomain.UsageAlert{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.InvoiceSequence{},
		&exportdomain.ExportJob{},
		&auditdomain.AuditLog{},
	}
}

// Run brings the schema up to date. Postgres applies the embedded versioned
// migrations; MySQL and SQLite use AutoMigrate.
func Run(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if db.DialectName(conn) != db.DialectPostgres {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Closing the migrator would close the shared *sql.DB.
	return nil
}
