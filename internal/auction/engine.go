// Package auction 实现拍卖状态机：开拍、出价准入、领取结算。
//
// 每个拍卖的状态依次为 Active → Ended-Unclaimed → Claimed，结束与否在出价或领取时
// 按存储的结束时间惰性计算，不需要定时器。价值和物品只在领取时一次性转移。
package auction

import (
	"math"
	"time"

	"minter/internal/errors"
	"minter/internal/ledger"
	"minter/internal/registry"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// MaxDuration 拍卖时长上限（秒），保证结束时间可以用 time.Duration 表示
const MaxDuration = uint64(math.MaxInt64 / int64(time.Second))

// transferChecker 登记处可选实现的预检查接口
type transferChecker interface {
	CheckTransfer(operator, from, to common.Address, itemID uint64) error
}

type record struct {
	auction *models.Auction
	policy  AdmissionPolicy
	bids    []models.Bid
}

// Engine 拍卖引擎。不做并发控制，调用方（state.Machine）负责串行化
type Engine struct {
	ledger   *ledger.Ledger
	items    registry.Registry
	operator common.Address
	clock    Clock
	logger   *logrus.Logger

	// 下标即拍卖ID，只追加不删除
	records []*record
}

// NewEngine 创建拍卖引擎；operator 是引擎在物品登记处中的运营方地址
func NewEngine(l *ledger.Ledger, items registry.Registry, operator common.Address, clock Clock, logger *logrus.Logger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		ledger:   l,
		items:    items,
		operator: operator,
		clock:    clock,
		logger:   logger,
		records:  make([]*record, 0),
	}
}

// Operator 返回引擎的运营方地址
func (e *Engine) Operator() common.Address {
	return e.operator
}

// StartAuction 为调用者持有的物品开拍
func (e *Engine) StartAuction(caller common.Address, duration uint64, blind bool, itemID uint64) (*models.Auction, error) {
	if duration > MaxDuration {
		return nil, errors.ErrInvalidDuration.Newf("拍卖时长 %d 秒超过上限", duration).WithComponent("auction")
	}

	owner, err := e.items.OwnerOf(itemID)
	if err != nil {
		return nil, errors.ErrNotOwner.Wrap(err).WithAddress(caller.Hex()).WithComponent("auction")
	}
	if owner != caller {
		return nil, errors.ErrNotOwner.
			Newf("物品 %d 不属于 %s", itemID, caller.Hex()).
			WithAddress(caller.Hex()).
			WithComponent("auction")
	}
	// 运营方授权在领取时才检查，卖家可以先开拍再授权

	now := e.clock.Now()
	mode := models.ModeFromBlind(blind)
	a := &models.Auction{
		ID:         uint64(len(e.records)),
		Seller:     caller,
		ItemID:     itemID,
		Mode:       mode,
		Duration:   duration,
		StartTime:  now,
		EndTime:    now.Add(time.Duration(duration) * time.Second),
		HighestBid: new(uint256.Int),
	}
	e.records = append(e.records, &record{auction: a, policy: PolicyFor(mode)})

	e.logger.WithFields(logrus.Fields{
		"auction_id": a.ID,
		"seller":     caller.Hex(),
		"item_id":    itemID,
		"mode":       mode.String(),
		"end_time":   a.EndTime.Format(time.RFC3339),
	}).Info("拍卖已开始")

	return a.Clone(), nil
}

// Bid 出价。资金只做余额校验，不冻结
func (e *Engine) Bid(caller common.Address, amount *uint256.Int, auctionID uint64) (*models.Bid, error) {
	r, err := e.lookup(auctionID)
	if err != nil {
		return nil, err
	}
	a := r.auction

	now := e.clock.Now()
	if a.Ended || a.Expired(now) {
		return nil, errors.ErrAuctionEnded.New("").WithAuctionID(auctionID).WithComponent("auction")
	}
	if !e.ledger.Covers(caller, amount) {
		return nil, errors.ErrInsufficientBalance.
			Newf("余额不足以出价 %s", amount.Dec()).
			WithAuctionID(auctionID).
			WithAddress(caller.Hex()).
			WithComponent("auction")
	}
	if err := r.policy.Admit(a, amount); err != nil {
		return nil, err
	}

	bid := models.Bid{
		AuctionID: auctionID,
		Bidder:    caller,
		Amount:    new(uint256.Int).Set(amount),
		Sequence:  uint64(len(r.bids)),
		PlacedAt:  now,
	}
	r.bids = append(r.bids, bid)

	// 公开拍卖中这就是新的最高价；盲拍中只是最近一次被接受的出价
	a.HighestBid = new(uint256.Int).Set(amount)
	a.HighestBidder = caller

	e.logger.WithFields(logrus.Fields{
		"auction_id": auctionID,
		"bidder":     caller.Hex(),
		"amount":     amount.Dec(),
		"sequence":   bid.Sequence,
	}).Debug("出价已接受")

	result := bid.Clone()
	return &result, nil
}

// ClaimAsset 获胜者领取物品并完成结算
func (e *Engine) ClaimAsset(caller common.Address, auctionID uint64) (*models.Settlement, error) {
	r, err := e.lookup(auctionID)
	if err != nil {
		return nil, err
	}
	a := r.auction

	if a.Claimed {
		return nil, errors.ErrAlreadyClaimed.New("").WithAuctionID(auctionID).WithComponent("auction")
	}

	now := e.clock.Now()
	if a.Blind() && !a.Expired(now) {
		return nil, errors.ErrAuctionStillActive.New("").WithAuctionID(auctionID).WithComponent("auction")
	}

	winning, ok := leadingBid(r.bids)
	if !ok || winning.Bidder != caller {
		return nil, errors.ErrNotWinner.New("").
			WithAuctionID(auctionID).
			WithAddress(caller.Hex()).
			WithComponent("auction")
	}

	// 出价时资金未冻结，获胜者可能已经花掉，这里重新校验
	if !e.ledger.Covers(winning.Bidder, winning.Amount) {
		return nil, errors.ErrInsufficientBalance.
			Newf("获胜者余额不足以支付 %s", winning.Amount.Dec()).
			WithAuctionID(auctionID).
			WithAddress(caller.Hex()).
			WithComponent("auction")
	}
	if err := e.checkItemTransfer(a.Seller, winning.Bidder, a.ItemID); err != nil {
		return nil, errors.ErrItemUnavailable.Wrap(err).WithAuctionID(auctionID).WithComponent("auction")
	}

	if err := e.ledger.Move(winning.Bidder, a.Seller, winning.Amount); err != nil {
		return nil, err
	}
	if err := e.items.TransferFrom(e.operator, a.Seller, winning.Bidder, a.ItemID); err != nil {
		// 回滚付款，三项效果要么全部发生要么全部不发生
		if rbErr := e.ledger.Move(a.Seller, winning.Bidder, winning.Amount); rbErr != nil {
			e.logger.WithFields(logrus.Fields{
				"auction_id": auctionID,
				"error":      rbErr,
			}).Error("回滚结算付款失败")
		}
		return nil, errors.ErrItemUnavailable.Wrap(err).WithAuctionID(auctionID).WithComponent("auction")
	}

	a.Ended = true
	a.Claimed = true
	a.HighestBid = new(uint256.Int).Set(winning.Amount)
	a.HighestBidder = winning.Bidder

	settlement := &models.Settlement{
		AuctionID: auctionID,
		ItemID:    a.ItemID,
		Seller:    a.Seller,
		Winner:    winning.Bidder,
		Amount:    new(uint256.Int).Set(winning.Amount),
		SettledAt: now,
	}

	e.logger.WithFields(logrus.Fields{
		"auction_id": auctionID,
		"item_id":    a.ItemID,
		"seller":     a.Seller.Hex(),
		"winner":     winning.Bidder.Hex(),
		"amount":     winning.Amount.Dec(),
	}).Info("拍卖已结算")

	return settlement, nil
}

// checkItemTransfer 结算前确认物品仍可由引擎转给获胜者
func (e *Engine) checkItemTransfer(seller, winner common.Address, itemID uint64) error {
	if checker, ok := e.items.(transferChecker); ok {
		return checker.CheckTransfer(e.operator, seller, winner, itemID)
	}

	owner, err := e.items.OwnerOf(itemID)
	if err != nil {
		return err
	}
	if owner != seller {
		return errors.ErrNotOwner.Newf("卖家已不再持有物品 %d", itemID)
	}
	if !e.items.IsApprovedForAll(seller, e.operator) {
		return errors.ErrOperatorNotApproved.New("卖家已撤销对拍卖引擎的授权")
	}
	return nil
}

// BidsOf 按提交顺序返回拍卖的全部出价
func (e *Engine) BidsOf(auctionID uint64) ([]models.Bid, error) {
	r, err := e.lookup(auctionID)
	if err != nil {
		return nil, err
	}
	bids := make([]models.Bid, len(r.bids))
	for i, b := range r.bids {
		bids[i] = b.Clone()
	}
	return bids, nil
}

// Auction 查询拍卖
func (e *Engine) Auction(auctionID uint64) (*models.Auction, error) {
	r, err := e.lookup(auctionID)
	if err != nil {
		return nil, err
	}
	return r.auction.Clone(), nil
}

// Status 查询拍卖在当前时刻的状态
func (e *Engine) Status(auctionID uint64) (models.AuctionStatus, error) {
	r, err := e.lookup(auctionID)
	if err != nil {
		return "", err
	}
	return r.auction.Status(e.clock.Now()), nil
}

// Auctions 返回全部拍卖
func (e *Engine) Auctions() []*models.Auction {
	auctions := make([]*models.Auction, len(e.records))
	for i, r := range e.records {
		auctions[i] = r.auction.Clone()
	}
	return auctions
}

// AllBids 按拍卖ID和提交顺序返回全部出价
func (e *Engine) AllBids() []models.Bid {
	bids := make([]models.Bid, 0)
	for _, r := range e.records {
		for _, b := range r.bids {
			bids = append(bids, b.Clone())
		}
	}
	return bids
}

// OwnedItems 转发到物品登记处
func (e *Engine) OwnedItems(owner common.Address) []uint64 {
	return e.items.ItemsOwnedBy(owner)
}

// Restore 从持久化数据重建拍卖记录，拍卖ID必须从0连续
func (e *Engine) Restore(auctions []*models.Auction, bids []models.Bid) error {
	records := make([]*record, len(auctions))
	for i, a := range auctions {
		if a == nil || a.ID != uint64(i) {
			return errors.ErrSerializationFailed.Newf("拍卖记录 %d 的ID不连续", i).WithComponent("auction")
		}
		c := a.Clone()
		records[i] = &record{auction: c, policy: PolicyFor(c.Mode)}
	}

	for _, b := range bids {
		if b.AuctionID >= uint64(len(records)) {
			return errors.ErrSerializationFailed.Newf("出价引用了不存在的拍卖 %d", b.AuctionID).WithComponent("auction")
		}
		r := records[b.AuctionID]
		if b.Sequence != uint64(len(r.bids)) {
			return errors.ErrSerializationFailed.Newf("拍卖 %d 的出价顺序不连续", b.AuctionID).WithComponent("auction")
		}
		r.bids = append(r.bids, b.Clone())
	}

	e.records = records
	return nil
}

func (e *Engine) lookup(auctionID uint64) (*record, error) {
	if auctionID >= uint64(len(e.records)) {
		return nil, errors.ErrAuctionNotFound.Newf("拍卖 %d 不存在", auctionID).WithAuctionID(auctionID).WithComponent("auction")
	}
	return e.records[auctionID], nil
}
