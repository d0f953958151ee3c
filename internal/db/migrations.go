// internal/db/migrations.go
package db

import (
	"fmt"

	"orbmesh/internal/models"

	"gorm.io/gorm"
)

// Migrate — AutoMigrate всех моделей + диалектные индексы.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(
		&models.DeviceIdentity{},
		&models.MeshServer{},
		&models.IPPool{},
		&models.ReleasedIP{},
		&models.WireGuardConfig{},
		&models.VlessConfig{},
		&models.RadCheck{},
		&models.OutboxItem{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := MigrateActiveIPUniqueIndex(db); err != nil {
		return fmt.Errorf("active ip index: %w", err)
	}
	return nil
}

// MigrateActiveIPUniqueIndex — один активный конфиг на (server, ip).
// Отозванные конфиги хранят свой IP как историю, поэтому индекс частичный.
func MigrateActiveIPUniqueIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "postgres":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_wg_active_ip ON "wireguard_configs" ("mesh_server_id", "allocated_ip") WHERE "active"`).Error

	case "sqlite":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_wg_active_ip ON wireguard_configs (mesh_server_id, allocated_ip) WHERE active = 1`).Error

	case "mysql":
		// частичных индексов нет — достаточно обычного, уникальность держит аллокатор
		if db.Migrator().HasIndex("wireguard_configs", "idx_wg_server_ip") {
			return nil
		}
		return db.Exec("CREATE INDEX `idx_wg_server_ip` ON `wireguard_configs` (`mesh_server_id`, `allocated_ip`)").Error

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
