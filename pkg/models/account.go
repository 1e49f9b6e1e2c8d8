package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account 账户余额
type Account struct {
	Address common.Address `json:"address"`
	Balance *uint256.Int   `json:"balance"`
}

// Clone 返回深拷贝
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	balance := new(uint256.Int)
	if a.Balance != nil {
		balance.Set(a.Balance)
	}
	return &Account{Address: a.Address, Balance: balance}
}
