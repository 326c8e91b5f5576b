package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/identity"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeProfileRoles  = "2025-06-01_normalize_profile_roles"
	migrationBackfillProfileNames   = "2025-06-01_backfill_profile_full_names"
	migrationNormalizeAccountEmails = "2025-06-14_normalize_account_emails"
)

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
		{name: migrationNormalizeProfileRoles, apply: normalizeProfileRoles},
		{name: migrationBackfillProfileNames, apply: backfillProfileFullNames},
		{name: migrationNormalizeAccountEmails, apply: normalizeAccountEmails},
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

// Roles were historically stored as typed ("Admin", " farmer").
func normalizeProfileRoles(db *gorm.DB) error {
	return db.Model(&profiles.Record{}).
		Where("role <> lower(trim(role))").
		Update("role", gorm.Expr("lower(trim(role))")).Error
}

func backfillProfileFullNames(db *gorm.DB) error {
	return db.Model(&profiles.Record{}).
		Where("(full_name IS NULL OR full_name = '') AND (first_name <> '' OR last_name <> '')").
		Update("full_name", gorm.Expr("trim(coalesce(first_name, '') || ' ' || coalesce(last_name, ''))")).Error
}

func normalizeAccountEmails(db *gorm.DB) error {
	return db.Model(&identity.Account{}).
		Where("email <> lower(trim(email))").
		Update("email", gorm.Expr("lower(trim(email))")).Error
}
