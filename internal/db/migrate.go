package db

import (
	"fmt"

	"github.com/gatewayops/channelpool/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
		if errAutoMigrate := conn.AutoMigrate(
			&models.Admin{},
			&models.Channel{},
		); errAutoMigrate != nil {
			return fmt.Errorf("db: migrate: %w", errAutoMigrate)
		}
		return nil
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}
