package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/LuisNSantana/cleo-agent-sub013/config"
)

// 慢查询阈值，超过时以 warn 级别记录
const slowQueryThreshold = 200 * time.Millisecond

// Dialector 按驱动名返回 gorm 方言。
// sqlite 使用纯 Go 实现，sqlite3 使用 cgo 实现。
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "sqlite3":
		return cgosqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open 打开数据库连接，gorm 日志输出到 zap
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.String("name", cfg.Name),
	)
	return db, nil
}

// NewGormLogger 把 gorm 的日志桥接到 zap；只记录慢查询和错误
func NewGormLogger(logger *zap.Logger) gormlogger.Interface {
	std := zap.NewStdLog(logger.With(zap.String("component", "gorm")))
	return gormlogger.New(std, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// PoolConfigFrom 从数据库配置派生连接池配置
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	// sqlite 只允许单写连接
	if cfg.Driver == "sqlite" || cfg.Driver == "sqlite3" {
		pc.MaxOpenConns = 1
		pc.MaxIdleConns = 1
	}
	return pc
}
