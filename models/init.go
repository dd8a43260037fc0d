package model

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	_ "github.com/glebarez/go-sqlite"
	"github.com/jinzhu/gorm"
)

// Init opens the account database and migrates its schema.
func Init(cfg *conf.Database, debug bool, l logging.Logger) (*gorm.DB, error) {
	l.Info("Initializing database connection...")

	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Type {
	case "sqlite", "sqlite3", "UNSET", "":
		var raw *sql.DB
		raw, err = sql.Open("sqlite", util.DataPath(cfg.DBFile)+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		db, err = gorm.Open("sqlite3", raw)
		if err == nil {
			// sqlite allows one writer at a time.
			db.DB().SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Debug模式下，输出所有 SQL 日志
	db.LogMode(debug)

	//超时
	db.DB().SetConnMaxLifetime(time.Second * 30)

	if err := migration(db, l); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// migration 执行数据迁移
func migration(db *gorm.DB, l logging.Logger) error {
	l.Info("Running schema migration...")
	return db.AutoMigrate(&DavAccount{}).Error
}
