package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AuctionMode 拍卖模式
type AuctionMode int

const (
	// ModeOpen 公开拍卖，出价时即与当前最高价比较
	ModeOpen AuctionMode = iota
	// ModeBlinded 盲拍，比较推迟到领取时
	ModeBlinded
)

// String 返回拍卖模式的字符串表示
func (m AuctionMode) String() string {
	switch m {
	case ModeOpen:
		return "open"
	case ModeBlinded:
		return "blinded"
	default:
		return "unknown"
	}
}

// ModeFromBlind 根据 blind 标志得到拍卖模式
func ModeFromBlind(blind bool) AuctionMode {
	if blind {
		return ModeBlinded
	}
	return ModeOpen
}

// AuctionStatus 拍卖状态
type AuctionStatus string

const (
	StatusActive         AuctionStatus = "active"
	StatusEndedUnclaimed AuctionStatus = "ended_unclaimed"
	StatusClaimed        AuctionStatus = "claimed"
)

// Auction 拍卖记录
type Auction struct {
	ID            uint64         `json:"id"`
	Seller        common.Address `json:"seller"`
	ItemID        uint64         `json:"item_id"`
	Mode          AuctionMode    `json:"mode"`
	Duration      uint64         `json:"duration"` // 秒
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	HighestBid    *uint256.Int   `json:"highest_bid"`
	HighestBidder common.Address `json:"highest_bidder"`
	Ended         bool           `json:"ended"`
	Claimed       bool           `json:"claimed"`
}

// Blind 是否为盲拍
func (a *Auction) Blind() bool {
	return a.Mode == ModeBlinded
}

// Expired 在 now 时刻拍卖时间是否已到
func (a *Auction) Expired(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// Status 计算 now 时刻的拍卖状态
func (a *Auction) Status(now time.Time) AuctionStatus {
	switch {
	case a.Claimed:
		return StatusClaimed
	case a.Ended || a.Expired(now):
		return StatusEndedUnclaimed
	default:
		return StatusActive
	}
}

// Clone 返回深拷贝
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	c := *a
	c.HighestBid = new(uint256.Int)
	if a.HighestBid != nil {
		c.HighestBid.Set(a.HighestBid)
	}
	return &c
}

// Bid 出价记录
type Bid struct {
	AuctionID uint64         `json:"auction_id"`
	Bidder    common.Address `json:"bidder"`
	Amount    *uint256.Int   `json:"amount"`
	Sequence  uint64         `json:"sequence"` // 拍卖内的提交顺序，从0开始
	PlacedAt  time.Time      `json:"placed_at"`
}

// Clone 返回深拷贝
func (b Bid) Clone() Bid {
	c := b
	c.Amount = new(uint256.Int)
	if b.Amount != nil {
		c.Amount.Set(b.Amount)
	}
	return c
}
