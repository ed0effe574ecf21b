package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/events"
	ledgerdomain "github.com/smallbiznis/medibill/internal/ledger/domain"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres schema.
func RunMigrations(db *sql.DB) error {
	if db == nil {
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

	driver, err := postgres.WithInstance(db, &postgres.Config{})
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
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every durable table in creation order.
func Models() []any {
	return []any{
		&patientdomain.Patient{},
		&usagedomain.UsageTransaction{},
		&billingdomain.BillingRecord{},
		&billingdomain.BillingRecordItem{},
		&settlementdomain.Payment{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.OutboxEvent{},
	}
}

// AutoMigrate creates the schema through gorm for sqlite and mysql.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return ensureUnpaidBillIndex(db)
}

// ensureUnpaidBillIndex enforces one unpaid bill per patient where the
// dialect supports partial indexes. MySQL relies on the status compare-and-set
// alone.
func ensureUnpaidBillIndex(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite", "postgres":
		return db.Exec(
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_unpaid_patient
			 ON billing_records (patient_id) WHERE status = 'unpaid'`,
		).Error
	default:
		return nil
	}
}
