// Package registry 定义拍卖引擎依赖的物品登记处接口，并提供内存实现。
package registry

import (
	"github.com/ethereum/go-ethereum/common"
)

// Registry 物品登记处。拍卖引擎只通过该接口读取归属并以运营方身份转移物品
type Registry interface {
	// MintItem 向 owner 铸造新物品并返回其ID
	MintItem(owner common.Address) (uint64, error)
	// OwnerOf 查询物品持有人
	OwnerOf(itemID uint64) (common.Address, error)
	// BalanceOf 查询地址持有的物品数量
	BalanceOf(owner common.Address) uint64
	// ItemsOwnedBy 按首次获得顺序返回地址持有的物品
	ItemsOwnedBy(owner common.Address) []uint64
	// TransferFrom 由 operator 将物品从 from 转给 to，operator 须为持有人或已获授权
	TransferFrom(operator, from, to common.Address, itemID uint64) error
	// SetApprovalForAll 持有人授权或撤销运营方
	SetApprovalForAll(owner, operator common.Address, approved bool)
	// IsApprovedForAll 查询授权
	IsApprovedForAll(owner, operator common.Address) bool
}
