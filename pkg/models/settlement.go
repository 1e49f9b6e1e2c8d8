package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Settlement 结算记录，每个拍卖最多一条
type Settlement struct {
	AuctionID uint64         `json:"auction_id"`
	ItemID    uint64         `json:"item_id"`
	Seller    common.Address `json:"seller"`
	Winner    common.Address `json:"winner"`
	Amount    *uint256.Int   `json:"amount"`
	SettledAt time.Time      `json:"settled_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (s *Settlement) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"auction_id": s.AuctionID,
		"item_id":    s.ItemID,
		"seller":     s.Seller.Hex(),
		"winner":     s.Winner.Hex(),
		"amount":     s.Amount.Dec(),
		"settled_at": s.SettledAt.Unix(),
	}
}
