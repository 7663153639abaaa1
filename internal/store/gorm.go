package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	putRetries   = 3
	retryBackoff = 50 * time.Millisecond
)

type snapshotRow struct {
	Slot       string `gorm:"primaryKey;size:32"`
	UserID     string `gorm:"size:128"`
	Data       []byte
	Size       int
	Compressed bool
	Checksum   string `gorm:"size:16"`
	CachedAt   time.Time
}

func (snapshotRow) TableName() string { return "substrate_snapshots" }

// GormDriver 基于 gorm 的关系库后端，本地默认 sqlite，也可以指向 MySQL
type GormDriver struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenSQLite 打开（或创建）本地 sqlite 文件；WAL + busy_timeout，单连接写
func OpenSQLite(path string, log *slog.Logger) (*GormDriver, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return NewGormDriver(db, log)
}

// OpenMySQL DSN 先经 mysql.ParseDSN 校验，并强制 parseTime
func OpenMySQL(dsn string, log *slog.Logger) (*GormDriver, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	db, err := gorm.Open(gormmysql.Open(cfg.FormatDSN()), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open mysql %s/%s: %w", cfg.Addr, cfg.DBName, err)
	}
	return NewGormDriver(db, log)
}

func NewGormDriver(db *gorm.DB, log *slog.Logger) (*GormDriver, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	return &GormDriver{db: db, logger: log.With("component", "store", "driver", db.Dialector.Name())}, nil
}

func (d *GormDriver) Put(ctx context.Context, rec Record) error {
	row := snapshotRow{
		Slot:       rec.Slot,
		UserID:     rec.UserID,
		Data:       rec.Data,
		Size:       rec.Size,
		Compressed: rec.Compressed,
		Checksum:   rec.Checksum,
		CachedAt:   rec.CachedAt,
	}
	var err error
	for attempt := 1; attempt <= putRetries; attempt++ {
		err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		})
		if err == nil || !retryable(err) {
			return err
		}
		d.logger.Warn("snapshot write contended, retrying", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}

func (d *GormDriver) Get(ctx context.Context, slot string) (Record, error) {
	var row snapshotRow
	if err := d.db.WithContext(ctx).Where("slot = ?", slot).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return row.record(), nil
}

func (d *GormDriver) Meta(ctx context.Context, slot string) (Record, error) {
	var row snapshotRow
	err := d.db.WithContext(ctx).
		Select("slot", "user_id", "size", "compressed", "checksum", "cached_at").
		Where("slot = ?", slot).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return row.record(), nil
}

func (d *GormDriver) Delete(ctx context.Context, slot string) error {
	return d.db.WithContext(ctx).Where("slot = ?", slot).Delete(&snapshotRow{}).Error
}

func (d *GormDriver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r snapshotRow) record() Record {
	return Record{
		Slot:       r.Slot,
		UserID:     r.UserID,
		Data:       r.Data,
		Size:       r.Size,
		Compressed: r.Compressed,
		Checksum:   r.Checksum,
		CachedAt:   r.CachedAt,
	}
}

// retryable sqlite 忙/锁、MySQL 死锁与锁等待超时可以重试
func retryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	return false
}
