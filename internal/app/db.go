package app

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/db"
	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/migrate"
	"github.com/taoyao-code/iot-router/internal/storage/gormrepo"
	pgstorage "github.com/taoyao-code/iot-router/internal/storage/pg"
)

// ConnectDBAndMigrate 建立数据库连接并按需执行迁移。
// migrationsDir 不存在时使用内嵌迁移。
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	dbpool, err := pgstorage.NewPool(ctx, cfg, log)
	if err != nil {
		log.Error("db connect error", zap.Error(err))
		return nil, err
	}
	if !cfg.AutoMigrate {
		return dbpool, nil
	}

	runner := migrate.Runner{FS: db.Migrations, Logger: log}
	if cfg.MigrationsDir != "" {
		if _, statErr := os.Stat(cfg.MigrationsDir); statErr == nil {
			runner.Dir = cfg.MigrationsDir
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			dbpool.Close()
			return nil, statErr
		}
	}
	applied, err := runner.Up(ctx, dbpool)
	if err != nil {
		log.Error("db migrate error", zap.Error(err))
		dbpool.Close()
		return nil, err
	}
	log.Info("db migrations applied",
		zap.Int("applied", len(applied)),
		zap.Bool("embedded", runner.Dir == ""))
	return dbpool, nil
}

// NewRepository 基于连接池创建 gorm 存储
func NewRepository(pool *pgxpool.Pool, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*gormrepo.Repository, error) {
	gdb, err := gormrepo.Open(pool, log, cfg.LogSQL)
	if err != nil {
		return nil, err
	}
	return gormrepo.New(gdb), nil
}
