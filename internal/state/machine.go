// Package state 把账本、物品登记处和拍卖引擎组合成一个串行执行的状态机，
// 每次成功的变更之后持久化快照、发布事件并归档结算记录。
package state

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"minter/internal/auction"
	"minter/internal/config"
	"minter/internal/errors"
	"minter/internal/events"
	"minter/internal/ledger"
	"minter/internal/logging"
	"minter/internal/registry"
	"minter/internal/store"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// Machine 状态机。所有操作持有同一把锁，一个操作完成之前下一个不会开始
type Machine struct {
	mu sync.Mutex

	ledger *ledger.Ledger
	items  *registry.Memory
	engine *auction.Engine
	clock  auction.Clock

	store     store.Store
	publisher events.Publisher
	archive   store.Archive

	errorHandler *errors.ErrorHandler
	logger       *logrus.Logger
	audit        *logging.StructuredLogger

	startTime  time.Time
	operations map[string]uint64
	persisted  uint64
	published  uint64
}

// Stats 状态机统计
type Stats struct {
	Admin       string             `json:"admin"`
	Operator    string             `json:"operator"`
	TotalSupply string             `json:"total_supply"`
	Accounts    int                `json:"accounts"`
	Auctions    int                `json:"auctions"`
	Bids        int                `json:"bids"`
	Operations  map[string]uint64  `json:"operations"`
	Persisted   uint64             `json:"persisted"`
	Published   uint64             `json:"published"`
	Uptime      string             `json:"uptime"`
	Errors      *errors.ErrorStats `json:"errors"`
}

// NewMachine 创建状态机并从存储恢复上次保存的状态。
// publisher 和 archive 可以为 nil，分别表示不发布事件和使用内存归档
func NewMachine(cfg *config.Config, st store.Store, publisher events.Publisher, archive store.Archive,
	clock auction.Clock, logger *logrus.Logger) (*Machine, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if archive == nil {
		archive = store.NewMemoryArchive()
	}
	if clock == nil {
		clock = auction.SystemClock{}
	}

	audit, err := newAuditLogger(cfg.Logging, logger)
	if err != nil {
		return nil, err
	}

	l := ledger.New(cfg.AdminAddress())
	items := registry.NewMemory()

	m := &Machine{
		ledger:       l,
		items:        items,
		engine:       auction.NewEngine(l, items, cfg.OperatorAddress(), clock, logger),
		clock:        clock,
		store:        st,
		publisher:    publisher,
		archive:      archive,
		errorHandler: errors.NewErrorHandler(logger),
		logger:       logger,
		audit:        audit,
		startTime:    time.Now(),
		operations:   make(map[string]uint64),
	}

	if err := m.restore(); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"admin":    l.Admin().Hex(),
		"operator": m.engine.Operator().Hex(),
	}).Info("状态机已就绪")
	return m, nil
}

// newAuditLogger 审计日志与logrus共用输出
func newAuditLogger(cfg *logging.LogConfig, logger *logrus.Logger) (*logging.StructuredLogger, error) {
	format := "text"
	if cfg != nil && cfg.Format != "" {
		format = cfg.Format
	}

	var writer io.Writer = logger.Out
	level := slog.LevelInfo
	switch logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		level = slog.LevelDebug
	case logrus.WarnLevel:
		level = slog.LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		level = slog.LevelError
	}
	return logging.NewStructuredLoggerWithWriter(writer, format, level)
}

// restore 载入快照
func (m *Machine) restore() error {
	snapshot, found, err := m.store.LoadSnapshot()
	if err != nil {
		return err
	}
	if !found {
		m.logger.Info("未找到已保存的状态，从空状态启动")
		return nil
	}

	if snapshot.Admin != m.ledger.Admin() {
		m.logger.Warnf("已保存状态的管理员 %s 与配置 %s 不一致，以配置为准",
			snapshot.Admin.Hex(), m.ledger.Admin().Hex())
	}

	if err := m.ledger.Restore(snapshot.Accounts); err != nil {
		return err
	}
	if snapshot.TotalSupply != nil && !snapshot.TotalSupply.Eq(m.ledger.TotalSupply()) {
		return errors.ErrSerializationFailed.Newf("总供应量 %s 与余额之和 %s 不一致",
			snapshot.TotalSupply.Dec(), m.ledger.TotalSupply().Dec()).WithComponent("state")
	}
	if err := m.items.Import(snapshot.Registry); err != nil {
		return err
	}
	if err := m.engine.Restore(snapshot.Auctions, snapshot.Bids); err != nil {
		return err
	}

	m.logger.Infof("已恢复状态: %d 个账户, %d 个拍卖, %d 条出价",
		len(snapshot.Accounts), len(snapshot.Auctions), len(snapshot.Bids))
	return nil
}

// Snapshot 返回当前完整状态
func (m *Machine) Snapshot() *models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Machine) snapshot() *models.Snapshot {
	return &models.Snapshot{
		Admin:       m.ledger.Admin(),
		TotalSupply: m.ledger.TotalSupply(),
		Accounts:    m.ledger.Accounts(),
		Auctions:    m.engine.Auctions(),
		Bids:        m.engine.AllBids(),
		Registry:    m.items.Export(),
	}
}

// Flush 立即持久化当前状态
func (m *Machine) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveSnapshot(m.snapshot()); err != nil {
		return err
	}
	m.persisted++
	return nil
}

// commit 持久化并发布事件。失败只记录，不回滚已提交的状态
func (m *Machine) commit(operation string, evts ...*models.Event) {
	m.operations[operation]++

	if err := m.store.SaveSnapshot(m.snapshot()); err != nil {
		m.handle(err, operation)
	} else {
		m.persisted++
	}

	for _, event := range evts {
		if err := m.publisher.Publish(event); err != nil {
			m.handle(err, operation)
			continue
		}
		m.published++
	}
}

func (m *Machine) handle(err error, operation string) {
	if le, ok := errors.From(err); ok {
		err = le.WithContext("operation", operation)
	}
	m.errorHandler.HandleError(context.Background(), err)
}

// reject 记录被拒绝的操作
func (m *Machine) reject(operation string, err error) error {
	m.logger.WithFields(logrus.Fields{
		"operation": operation,
		"code":      errors.CodeOf(err),
	}).Debugf("操作被拒绝: %v", err)
	return err
}

// Mint 管理员铸造
func (m *Machine) Mint(caller, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Mint(caller, to, amount); err != nil {
		return m.reject("mint", err)
	}

	logging.NewLedgerLogger(m.audit, "mint").Info("铸造完成", "to", to.Hex(), "amount", amount.Dec())
	m.commit("mint", models.NewLedgerEvent(models.EventMinted, m.clock.Now(), common.Address{}, to, amount))
	return nil
}

// Burn 管理员销毁
func (m *Machine) Burn(caller, from common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Burn(caller, from, amount); err != nil {
		return m.reject("burn", err)
	}

	logging.NewLedgerLogger(m.audit, "burn").Info("销毁完成", "from", from.Hex(), "amount", amount.Dec())
	m.commit("burn", models.NewLedgerEvent(models.EventBurned, m.clock.Now(), from, common.Address{}, amount))
	return nil
}

// Transfer 转账
func (m *Machine) Transfer(caller, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Transfer(caller, to, amount); err != nil {
		return m.reject("transfer", err)
	}

	logging.NewLedgerLogger(m.audit, "transfer").Info("转账完成",
		"from", caller.Hex(), "to", to.Hex(), "amount", amount.Dec())
	m.commit("transfer", models.NewLedgerEvent(models.EventTransferred, m.clock.Now(), caller, to, amount))
	return nil
}

// BalanceOf 查询余额
func (m *Machine) BalanceOf(addr common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.BalanceOf(addr)
}

// TotalSupply 查询总供应量
func (m *Machine) TotalSupply() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.TotalSupply()
}

// Admin 管理员地址
func (m *Machine) Admin() common.Address {
	return m.ledger.Admin()
}

// Operator 拍卖引擎的运营方地址
func (m *Machine) Operator() common.Address {
	return m.engine.Operator()
}

// MintItem 向调用方铸造物品
func (m *Machine) MintItem(caller common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.items.MintItem(caller)
	if err != nil {
		return 0, m.reject("mint_item", err)
	}

	m.logger.WithFields(logrus.Fields{"item_id": id, "owner": caller.Hex()}).Info("物品已铸造")
	m.commit("mint_item")
	return id, nil
}

// SetApprovalForAll 调用方授权或撤销运营方
func (m *Machine) SetApprovalForAll(caller, operator common.Address, approved bool) error {
	if operator == (common.Address{}) {
		return errors.ErrInvalidAddress.New("运营方地址不能为空").WithComponent("state")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items.SetApprovalForAll(caller, operator, approved)
	m.logger.WithFields(logrus.Fields{
		"owner":    caller.Hex(),
		"operator": operator.Hex(),
		"approved": approved,
	}).Info("运营方授权已更新")
	m.commit("set_approval")
	return nil
}

// IsApprovedForAll 查询授权
func (m *Machine) IsApprovedForAll(owner, operator common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.IsApprovedForAll(owner, operator)
}

// OwnerOf 查询物品持有人
func (m *Machine) OwnerOf(itemID uint64) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.OwnerOf(itemID)
}

// OwnedItems 按首次获得顺序返回地址持有的物品
func (m *Machine) OwnedItems(owner common.Address) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.OwnedItems(owner)
}

// StartAuction 开始拍卖
func (m *Machine) StartAuction(caller common.Address, duration uint64, blind bool, itemID uint64) (*models.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.engine.StartAuction(caller, duration, blind, itemID)
	if err != nil {
		return nil, m.reject("start_auction", err)
	}

	logging.NewAuctionLogger(m.audit, a.ID).Info("拍卖开始",
		"seller", a.Seller.Hex(), "item_id", a.ItemID, "mode", a.Mode.String(), "duration", a.Duration)
	m.commit("start_auction", models.NewAuctionStartedEvent(a))
	return a, nil
}

// Bid 出价
func (m *Machine) Bid(caller common.Address, amount *uint256.Int, auctionID uint64) (*models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.engine.Bid(caller, amount, auctionID)
	if err != nil {
		return nil, m.reject("bid", err)
	}

	logging.NewAuctionLogger(m.audit, auctionID).Info("出价已接受",
		"bidder", b.Bidder.Hex(), "amount", b.Amount.Dec(), "sequence", b.Sequence)
	m.commit("bid", models.NewBidPlacedEvent(b))
	return b, nil
}

// ClaimAsset 中标者领取物品并付款
func (m *Machine) ClaimAsset(caller common.Address, auctionID uint64) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.engine.ClaimAsset(caller, auctionID)
	if err != nil {
		return nil, m.reject("claim", err)
	}

	logging.NewAuctionLogger(m.audit, auctionID).Info("拍卖已结算",
		"winner", s.Winner.Hex(), "seller", s.Seller.Hex(), "item_id", s.ItemID, "amount", s.Amount.Dec())
	m.commit("claim", models.NewAuctionClaimedEvent(s))

	if err := m.archive.RecordSettlement(context.Background(), s); err != nil {
		m.handle(err, "claim")
	}
	return s, nil
}

// BidsOf 按提交顺序返回拍卖的出价
func (m *Machine) BidsOf(auctionID uint64) ([]models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.BidsOf(auctionID)
}

// Auction 查询拍卖
func (m *Machine) Auction(auctionID uint64) (*models.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Auction(auctionID)
}

// AuctionStatus 查询拍卖当前状态
func (m *Machine) AuctionStatus(auctionID uint64) (models.AuctionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Status(auctionID)
}

// Auctions 返回全部拍卖
func (m *Machine) Auctions() []*models.Auction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Auctions()
}

// Now 状态机使用的当前时间
func (m *Machine) Now() time.Time {
	return m.clock.Now()
}

// Settlements 从归档读取结算记录，不持有状态锁
func (m *Machine) Settlements(ctx context.Context, limit int) ([]*models.Settlement, error) {
	return m.archive.ListSettlements(ctx, limit)
}

// ErrorHandler 后台失败（持久化、发布、归档）的处理器
func (m *Machine) ErrorHandler() *errors.ErrorHandler {
	return m.errorHandler
}

// Stats 返回状态机统计
func (m *Machine) Stats() *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	operations := make(map[string]uint64, len(m.operations))
	for k, v := range m.operations {
		operations[k] = v
	}

	return &Stats{
		Admin:       m.ledger.Admin().Hex(),
		Operator:    m.engine.Operator().Hex(),
		TotalSupply: m.ledger.TotalSupply().Dec(),
		Accounts:    len(m.ledger.Accounts()),
		Auctions:    len(m.engine.Auctions()),
		Bids:        len(m.engine.AllBids()),
		Operations:  operations,
		Persisted:   m.persisted,
		Published:   m.published,
		Uptime:      time.Since(m.startTime).Truncate(time.Second).String(),
		Errors:      m.errorHandler.GetStats(),
	}
}

// Close 关闭发布器、归档和存储
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if err := m.publisher.Close(); err != nil {
		m.logger.Errorf("关闭事件发布器失败: %v", err)
		firstErr = err
	}
	if err := m.archive.Close(); err != nil {
		m.logger.Errorf("关闭结算归档失败: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := m.store.Close(); err != nil {
		m.logger.Errorf("关闭状态存储失败: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
