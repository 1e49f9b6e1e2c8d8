package models

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind 事件类型
type EventKind string

const (
	EventAuctionStarted EventKind = "auction_started"
	EventBidPlaced      EventKind = "bid_placed"
	EventAuctionClaimed EventKind = "auction_claimed"
	EventMinted         EventKind = "minted"
	EventBurned         EventKind = "burned"
	EventTransferred    EventKind = "transferred"
)

// AllEventKinds 所有事件类型
var AllEventKinds = []EventKind{
	EventAuctionStarted,
	EventBidPlaced,
	EventAuctionClaimed,
	EventMinted,
	EventBurned,
	EventTransferred,
}

// Event 通知事件
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	AuctionID *uint64        `json:"auction_id,omitempty"`
	ItemID    *uint64        `json:"item_id,omitempty"`
	Seller    common.Address `json:"seller"`
	Duration  uint64         `json:"duration,omitempty"`
	Blind     bool           `json:"blind,omitempty"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    *uint256.Int   `json:"amount,omitempty"`
}

// Key 返回事件的分区键
func (e *Event) Key() string {
	if e.AuctionID != nil {
		return "auction-" + strconv.FormatUint(*e.AuctionID, 10)
	}
	if e.To != (common.Address{}) {
		return e.To.Hex()
	}
	return e.From.Hex()
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *Event) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"kind":      string(e.Kind),
		"timestamp": e.Timestamp.Unix(),
	}
	if e.AuctionID != nil {
		msg["auction_id"] = *e.AuctionID
	}
	if e.ItemID != nil {
		msg["item_id"] = *e.ItemID
	}
	if e.Kind == EventAuctionStarted {
		msg["seller"] = e.Seller.Hex()
		msg["duration"] = e.Duration
		msg["blind"] = e.Blind
	}
	if e.From != (common.Address{}) {
		msg["from"] = e.From.Hex()
	}
	if e.To != (common.Address{}) {
		msg["to"] = e.To.Hex()
	}
	if e.Amount != nil {
		msg["amount"] = e.Amount.Dec()
	}
	return msg
}

// NewAuctionStartedEvent 创建拍卖开始事件
func NewAuctionStartedEvent(a *Auction) *Event {
	id, item := a.ID, a.ItemID
	return &Event{
		Kind:      EventAuctionStarted,
		Timestamp: a.StartTime,
		AuctionID: &id,
		ItemID:    &item,
		Seller:    a.Seller,
		Duration:  a.Duration,
		Blind:     a.Blind(),
	}
}

// NewBidPlacedEvent 创建出价事件
func NewBidPlacedEvent(b *Bid) *Event {
	id := b.AuctionID
	return &Event{
		Kind:      EventBidPlaced,
		Timestamp: b.PlacedAt,
		AuctionID: &id,
		From:      b.Bidder,
		Amount:    b.Amount.Clone(),
	}
}

// NewAuctionClaimedEvent 创建结算事件
func NewAuctionClaimedEvent(s *Settlement) *Event {
	id, item := s.AuctionID, s.ItemID
	return &Event{
		Kind:      EventAuctionClaimed,
		Timestamp: s.SettledAt,
		AuctionID: &id,
		ItemID:    &item,
		Seller:    s.Seller,
		From:      s.Winner,
		To:        s.Seller,
		Amount:    s.Amount.Clone(),
	}
}

// NewLedgerEvent 创建账本事件（铸造/销毁/转账）
func NewLedgerEvent(kind EventKind, at time.Time, from, to common.Address, amount *uint256.Int) *Event {
	return &Event{
		Kind:      kind,
		Timestamp: at,
		From:      from,
		To:        to,
		Amount:    amount.Clone(),
	}
}
