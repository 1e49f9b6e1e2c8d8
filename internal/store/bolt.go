package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"minter/internal/errors"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/minter.db"

	// 存储桶名称
	AccountsBucket = "accounts"
	AuctionsBucket = "auctions"
	BidsBucket     = "bids"
	ItemsBucket    = "items"
	MetaBucket     = "meta"

	// meta 键
	AdminKey       = "admin"
	TotalSupplyKey = "total_supply"
	HoldingsKey    = "holdings"
	ApprovalsKey   = "approvals"
	SavedAtKey     = "saved_at"
	VersionKey     = "version"

	schemaVersion = 1
)

var snapshotBuckets = []string{AccountsBucket, AuctionsBucket, BidsBucket, ItemsBucket, MetaBucket}

// BoltStore 基于bbolt的快照存储
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// StoreStats 存储统计
type StoreStats struct {
	Path     string    `json:"path"`
	Accounts int       `json:"accounts"`
	Auctions int       `json:"auctions"`
	Bids     int       `json:"bids"`
	Items    int       `json:"items"`
	SavedAt  time.Time `json:"saved_at"`
	Version  uint64    `json:"version"`
}

// NewBoltStore 打开或创建状态数据库
func NewBoltStore(dbPath string, timeout time.Duration, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("打开状态数据库失败: %w", err)
	}

	s := &BoltStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("状态存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range snapshotBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建%s存储桶失败: %w", name, err)
			}
		}
		return nil
	})
}

func uint64Key(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

// bidKey 拍卖ID + 出价序号，按字节序遍历即为提交顺序
func bidKey(auctionID, sequence uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], auctionID)
	binary.BigEndian.PutUint64(key[8:], sequence)
	return key
}

func putJSON(b *bolt.Bucket, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.ErrSerializationFailed.Wrap(err).WithComponent("store")
	}
	return b.Put(key, data)
}

// SaveSnapshot 在一个事务中重写全部存储桶
func (s *BoltStore) SaveSnapshot(snapshot *models.Snapshot) error {
	if snapshot == nil {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		buckets := make(map[string]*bolt.Bucket, len(snapshotBuckets))
		for _, name := range snapshotBuckets {
			if tx.Bucket([]byte(name)) != nil {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return fmt.Errorf("清空%s存储桶失败: %w", name, err)
				}
			}
			b, err := tx.CreateBucket([]byte(name))
			if err != nil {
				return fmt.Errorf("创建%s存储桶失败: %w", name, err)
			}
			buckets[name] = b
		}

		for _, acc := range snapshot.Accounts {
			if err := putJSON(buckets[AccountsBucket], acc.Address.Bytes(), acc); err != nil {
				return err
			}
		}
		for _, a := range snapshot.Auctions {
			if err := putJSON(buckets[AuctionsBucket], uint64Key(a.ID), a); err != nil {
				return err
			}
		}
		for _, b := range snapshot.Bids {
			if err := putJSON(buckets[BidsBucket], bidKey(b.AuctionID, b.Sequence), b); err != nil {
				return err
			}
		}
		for _, item := range snapshot.Registry.Items {
			if err := buckets[ItemsBucket].Put(uint64Key(item.ID), item.Owner.Bytes()); err != nil {
				return err
			}
		}

		meta := buckets[MetaBucket]
		if err := meta.Put([]byte(AdminKey), snapshot.Admin.Bytes()); err != nil {
			return err
		}
		supply := snapshot.TotalSupply
		if supply == nil {
			supply = new(uint256.Int)
		}
		if err := meta.Put([]byte(TotalSupplyKey), []byte(supply.Dec())); err != nil {
			return err
		}
		if err := putJSON(meta, []byte(HoldingsKey), snapshot.Registry.Holdings); err != nil {
			return err
		}
		if err := putJSON(meta, []byte(ApprovalsKey), snapshot.Registry.Approvals); err != nil {
			return err
		}
		if err := putJSON(meta, []byte(SavedAtKey), time.Now().UTC()); err != nil {
			return err
		}
		return meta.Put([]byte(VersionKey), uint64Key(schemaVersion))
	})
	if err != nil {
		if _, ok := errors.From(err); ok {
			return err
		}
		return errors.ErrStorageFailed.Wrap(err).WithComponent("store")
	}
	return nil
}

// LoadSnapshot 读取已保存的状态
func (s *BoltStore) LoadSnapshot() (*models.Snapshot, bool, error) {
	snapshot := &models.Snapshot{
		Accounts: make([]*models.Account, 0),
		Auctions: make([]*models.Auction, 0),
		Bids:     make([]models.Bid, 0),
	}
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(MetaBucket))
		if meta == nil || meta.Get([]byte(VersionKey)) == nil {
			return nil
		}
		found = true

		if v := binary.BigEndian.Uint64(meta.Get([]byte(VersionKey))); v != schemaVersion {
			return fmt.Errorf("不支持的存储版本: %d", v)
		}

		snapshot.Admin = common.BytesToAddress(meta.Get([]byte(AdminKey)))
		supply, err := uint256.FromDecimal(string(meta.Get([]byte(TotalSupplyKey))))
		if err != nil {
			return fmt.Errorf("解析总供应量失败: %w", err)
		}
		snapshot.TotalSupply = supply

		if data := meta.Get([]byte(HoldingsKey)); data != nil {
			if err := json.Unmarshal(data, &snapshot.Registry.Holdings); err != nil {
				return fmt.Errorf("解析持有记录失败: %w", err)
			}
		}
		if data := meta.Get([]byte(ApprovalsKey)); data != nil {
			if err := json.Unmarshal(data, &snapshot.Registry.Approvals); err != nil {
				return fmt.Errorf("解析授权记录失败: %w", err)
			}
		}

		if err := tx.Bucket([]byte(AccountsBucket)).ForEach(func(k, v []byte) error {
			var acc models.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return fmt.Errorf("解析账户失败: %w", err)
			}
			snapshot.Accounts = append(snapshot.Accounts, &acc)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(AuctionsBucket)).ForEach(func(k, v []byte) error {
			var a models.Auction
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("解析拍卖失败: %w", err)
			}
			snapshot.Auctions = append(snapshot.Auctions, &a)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(BidsBucket)).ForEach(func(k, v []byte) error {
			var b models.Bid
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("解析出价失败: %w", err)
			}
			snapshot.Bids = append(snapshot.Bids, b)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket([]byte(ItemsBucket)).ForEach(func(k, v []byte) error {
			snapshot.Registry.Items = append(snapshot.Registry.Items, models.ItemRecord{
				ID:    binary.BigEndian.Uint64(k),
				Owner: common.BytesToAddress(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, false, errors.ErrSerializationFailed.Wrap(err).WithComponent("store")
	}
	if !found {
		return nil, false, nil
	}
	return snapshot, true, nil
}

// Stats 获取存储统计信息
func (s *BoltStore) Stats() (*StoreStats, error) {
	stats := &StoreStats{Path: s.dbPath}
	err := s.db.View(func(tx *bolt.Tx) error {
		count := func(name string) int {
			b := tx.Bucket([]byte(name))
			if b == nil {
				return 0
			}
			return b.Stats().KeyN
		}
		stats.Accounts = count(AccountsBucket)
		stats.Auctions = count(AuctionsBucket)
		stats.Bids = count(BidsBucket)
		stats.Items = count(ItemsBucket)

		meta := tx.Bucket([]byte(MetaBucket))
		if meta == nil {
			return nil
		}
		if data := meta.Get([]byte(SavedAtKey)); data != nil {
			if err := json.Unmarshal(data, &stats.SavedAt); err != nil {
				return err
			}
		}
		if data := meta.Get([]byte(VersionKey)); data != nil {
			stats.Version = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	if err != nil {
		return nil, errors.ErrStorageFailed.Wrap(err).WithComponent("store")
	}
	return stats, nil
}

// Path 获取数据库路径
func (s *BoltStore) Path() string {
	return s.dbPath
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭状态存储")
		return s.db.Close()
	}
	return nil
}

var _ Store = (*BoltStore)(nil)
var _ Store = (*MemoryStore)(nil)
