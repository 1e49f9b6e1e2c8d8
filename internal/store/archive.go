package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"minter/internal/errors"
	"minter/internal/retry"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DefaultSettlementTable 默认结算归档表名
const DefaultSettlementTable = "minter_settlements"

// Archive 结算归档。记录是只追加的审计数据，同一拍卖重复写入会被忽略
type Archive interface {
	RecordSettlement(ctx context.Context, s *models.Settlement) error
	ListSettlements(ctx context.Context, limit int) ([]*models.Settlement, error)
	Close() error
}

// MemoryArchive 内存归档
type MemoryArchive struct {
	mu          sync.RWMutex
	settlements map[uint64]*models.Settlement
}

// NewMemoryArchive 创建内存归档
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{settlements: make(map[uint64]*models.Settlement)}
}

// RecordSettlement 记录结算
func (m *MemoryArchive) RecordSettlement(ctx context.Context, s *models.Settlement) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.settlements[s.AuctionID]; exists {
		return nil
	}
	c := *s
	c.Amount = new(uint256.Int).Set(s.Amount)
	m.settlements[s.AuctionID] = &c
	return nil
}

// ListSettlements 按结算时间倒序列出，limit<=0 表示全部
func (m *MemoryArchive) ListSettlements(ctx context.Context, limit int) ([]*models.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.Settlement, 0, len(m.settlements))
	for _, s := range m.settlements {
		c := *s
		c.Amount = new(uint256.Int).Set(s.Amount)
		list = append(list, &c)
	}
	sortSettlements(list)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func sortSettlements(list []*models.Settlement) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].SettledAt.Equal(list[j].SettledAt) {
			return list[i].SettledAt.After(list[j].SettledAt)
		}
		return list[i].AuctionID > list[j].AuctionID
	})
}

// Close 无操作
func (m *MemoryArchive) Close() error {
	return nil
}

// PostgresArchive PostgreSQL结算归档
type PostgresArchive struct {
	db      *sql.DB
	table   string
	logger  *logrus.Logger
	retrier *retry.Retrier
}

// NewPostgresArchive 连接数据库并确保表存在
func NewPostgresArchive(dsn string, logger *logrus.Logger) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接归档数据库失败: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("归档数据库连接测试失败: %w", err)
	}

	a := NewPostgresArchiveFromDB(db, DefaultSettlementTable, logger)
	if err := a.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("结算归档已连接PostgreSQL")
	return a, nil
}

// NewPostgresArchiveFromDB 使用已有连接创建归档
func NewPostgresArchiveFromDB(db *sql.DB, table string, logger *logrus.Logger) *PostgresArchive {
	if table == "" {
		table = DefaultSettlementTable
	}
	return &PostgresArchive{
		db:      db,
		table:   table,
		logger:  logger,
		retrier: retry.NewRetrier(retry.ArchivePolicy, logger),
	}
}

// schemaSQL 建表语句，金额用NUMERIC(78,0)容纳256位整数
func (a *PostgresArchive) schemaSQL() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	auction_id  BIGINT PRIMARY KEY,
	item_id     BIGINT NOT NULL,
	seller      CHAR(42) NOT NULL,
	winner      CHAR(42) NOT NULL,
	amount      NUMERIC(78, 0) NOT NULL,
	settled_at  TIMESTAMPTZ NOT NULL
)`, pq.QuoteIdentifier(a.table))
}

func (a *PostgresArchive) insertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (auction_id, item_id, seller, winner, amount, settled_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (auction_id) DO NOTHING`, pq.QuoteIdentifier(a.table))
}

func (a *PostgresArchive) selectSQL() string {
	return fmt.Sprintf(`
SELECT auction_id, item_id, seller, winner, amount::TEXT, settled_at
FROM %s
ORDER BY settled_at DESC, auction_id DESC
LIMIT $1`, pq.QuoteIdentifier(a.table))
}

// EnsureSchema 创建归档表
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, a.schemaSQL()); err != nil {
		return errors.ErrArchiveFailed.Wrap(err).WithContext("table", a.table).WithComponent("archive")
	}
	return nil
}

// RecordSettlement 写入结算记录，连接类错误会重试
func (a *PostgresArchive) RecordSettlement(ctx context.Context, s *models.Settlement) error {
	if s == nil {
		return nil
	}

	err := a.retrier.Execute(ctx, "archive_settlement", func() error {
		_, err := a.db.ExecContext(ctx, a.insertSQL(),
			int64(s.AuctionID), int64(s.ItemID), s.Seller.Hex(), s.Winner.Hex(), s.Amount.Dec(), s.SettledAt.UTC())
		return classifyPQ(err)
	})
	if err != nil {
		return errors.ErrArchiveFailed.Wrap(err).WithAuctionID(s.AuctionID).WithComponent("archive")
	}

	a.logger.WithField("auction_id", s.AuctionID).Debug("结算记录已归档")
	return nil
}

// ListSettlements 按结算时间倒序列出
func (a *PostgresArchive) ListSettlements(ctx context.Context, limit int) ([]*models.Settlement, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := a.db.QueryContext(ctx, a.selectSQL(), limit)
	if err != nil {
		return nil, errors.ErrArchiveFailed.Wrap(err).WithComponent("archive")
	}
	defer rows.Close()

	list := make([]*models.Settlement, 0)
	for rows.Next() {
		var (
			auctionID, itemID int64
			seller, winner    string
			amount            string
			settledAt         time.Time
		)
		if err := rows.Scan(&auctionID, &itemID, &seller, &winner, &amount, &settledAt); err != nil {
			return nil, errors.ErrArchiveFailed.Wrap(err).WithComponent("archive")
		}
		value, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, errors.ErrSerializationFailed.Wrap(err).WithComponent("archive")
		}
		list = append(list, &models.Settlement{
			AuctionID: uint64(auctionID),
			ItemID:    uint64(itemID),
			Seller:    common.HexToAddress(seller),
			Winner:    common.HexToAddress(winner),
			Amount:    value,
			SettledAt: settledAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.ErrArchiveFailed.Wrap(err).WithComponent("archive")
	}
	return list, nil
}

// classifyPQ 把PostgreSQL的连接类错误标记为可重试
func classifyPQ(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "08", "53", "57": // 连接异常、资源不足、运维干预
			return errors.WrapError(err, errors.ErrorTypeConnection, errors.SeverityHigh,
				errors.CodeArchiveFailed, pqErr.Code.Name())
		}
	}
	return err
}

// Close 关闭数据库连接
func (a *PostgresArchive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

var _ Archive = (*MemoryArchive)(nil)
var _ Archive = (*PostgresArchive)(nil)
