package db

import (
	"fmt"
	"time"

	"instaup/internal/jobs"
	"instaup/internal/models"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
}

// Connect 负责建立数据库连接，并带有简单的重试来等待容器就绪。时间统一按 UTC 写入。
func Connect(driver, dsn string) (*gorm.DB, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var gdb *gorm.DB
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(d, cfg)
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if driver == "sqlite" {
					// 单连接保证内存库不被回收，同时串行化写入
					sqlDB.SetMaxOpenConns(1)
					sqlDB.SetMaxIdleConns(1)
					sqlDB.SetConnMaxLifetime(0)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
				}
				return gdb, nil
			}
			err = err2
		}
		if driver == "sqlite" {
			break
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 创建或更新所有业务表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(append(models.All(), &jobs.Job{})...)
}

// Memory 打开一个独立的、已迁移的内存 SQLite 数据库。
func Memory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	gdb, err := Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
