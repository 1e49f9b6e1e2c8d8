package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ItemRecord 物品归属记录
type ItemRecord struct {
	ID    uint64         `json:"id"`
	Owner common.Address `json:"owner"`
}

// Approval 运营方授权记录
type Approval struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
}

// HolderItems 某地址按首次获得顺序排列的物品
type HolderItems struct {
	Holder common.Address `json:"holder"`
	Items  []uint64       `json:"items"`
}

// RegistryState 物品登记处的可持久化状态
type RegistryState struct {
	Items     []ItemRecord  `json:"items"`
	Holdings  []HolderItems `json:"holdings"`
	Approvals []Approval    `json:"approvals"`
}

// Snapshot 完整的可持久化状态
type Snapshot struct {
	Admin       common.Address `json:"admin"`
	TotalSupply *uint256.Int   `json:"total_supply"`
	Accounts    []*Account     `json:"accounts"`
	Auctions    []*Auction     `json:"auctions"`
	Bids        []Bid          `json:"bids"`
	Registry    RegistryState  `json:"registry"`
}
