package auction

import (
	"minter/internal/errors"
	"minter/pkg/models"

	"github.com/holiman/uint256"
)

// AdmissionPolicy 出价准入策略。两种模式共用同一状态机，只在出价准入上不同，
// 领取时都按完整出价列表取最大值决定获胜者
type AdmissionPolicy interface {
	Mode() models.AuctionMode
	Admit(a *models.Auction, amount *uint256.Int) error
}

// OpenPolicy 公开拍卖：出价必须严格高于当前最高价
type OpenPolicy struct{}

// Mode 返回拍卖模式
func (OpenPolicy) Mode() models.AuctionMode { return models.ModeOpen }

// Admit 校验出价
func (OpenPolicy) Admit(a *models.Auction, amount *uint256.Int) error {
	if !amount.Gt(a.HighestBid) {
		return errors.ErrBidTooLow.
			Newf("出价 %s 不高于当前最高价 %s", amount.Dec(), a.HighestBid.Dec()).
			WithAuctionID(a.ID).
			WithComponent("auction")
	}
	return nil
}

// BlindedPolicy 盲拍：出价时不做比较
type BlindedPolicy struct{}

// Mode 返回拍卖模式
func (BlindedPolicy) Mode() models.AuctionMode { return models.ModeBlinded }

// Admit 任何有偿付能力的出价都被接受
func (BlindedPolicy) Admit(a *models.Auction, amount *uint256.Int) error {
	return nil
}

// PolicyFor 返回模式对应的准入策略
func PolicyFor(mode models.AuctionMode) AdmissionPolicy {
	if mode == models.ModeBlinded {
		return BlindedPolicy{}
	}
	return OpenPolicy{}
}

// leadingBid 返回金额最大的出价，金额相同时取最早提交的
func leadingBid(bids []models.Bid) (models.Bid, bool) {
	if len(bids) == 0 {
		return models.Bid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Amount.Gt(best.Amount) {
			best = b
		}
	}
	return best, true
}
