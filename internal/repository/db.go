package repository

import (
	"time"

	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/pkg/errors"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to MySQL with the pool settings from cfg.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.New(errors.ErrDatabaseConnect, "open mysql", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.New(errors.ErrDatabaseConnect, "get sql.DB", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, errors.New(errors.ErrDatabaseConnect, "ping mysql", err)
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.AllTables()...)
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
