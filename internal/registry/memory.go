package registry

import (
	"bytes"
	"sort"

	"minter/internal/errors"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// Memory 内存物品登记处
type Memory struct {
	owners    []common.Address // 下标即物品ID
	holdings  map[common.Address][]uint64
	approvals map[common.Address]map[common.Address]bool
}

// NewMemory 创建内存物品登记处
func NewMemory() *Memory {
	return &Memory{
		owners:    make([]common.Address, 0),
		holdings:  make(map[common.Address][]uint64),
		approvals: make(map[common.Address]map[common.Address]bool),
	}
}

// MintItem 铸造物品，ID从0开始递增
func (m *Memory) MintItem(owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, errors.ErrInvalidAddress.New("不能向零地址铸造物品").WithComponent("registry")
	}

	id := uint64(len(m.owners))
	m.owners = append(m.owners, owner)
	m.acquire(owner, id)
	return id, nil
}

// OwnerOf 查询物品持有人
func (m *Memory) OwnerOf(itemID uint64) (common.Address, error) {
	if itemID >= uint64(len(m.owners)) {
		return common.Address{}, errors.ErrItemNotFound.Newf("物品 %d 不存在", itemID).WithComponent("registry")
	}
	return m.owners[itemID], nil
}

// BalanceOf 查询持有数量
func (m *Memory) BalanceOf(owner common.Address) uint64 {
	var count uint64
	for _, id := range m.holdings[owner] {
		if m.owners[id] == owner {
			count++
		}
	}
	return count
}

// ItemsOwnedBy 按首次获得顺序返回当前持有的物品
func (m *Memory) ItemsOwnedBy(owner common.Address) []uint64 {
	items := make([]uint64, 0, len(m.holdings[owner]))
	for _, id := range m.holdings[owner] {
		if m.owners[id] == owner {
			items = append(items, id)
		}
	}
	return items
}

// TransferFrom 转移物品
func (m *Memory) TransferFrom(operator, from, to common.Address, itemID uint64) error {
	if err := m.CheckTransfer(operator, from, to, itemID); err != nil {
		return err
	}

	m.owners[itemID] = to
	m.acquire(to, itemID)
	return nil
}

// CheckTransfer 校验转移是否可以执行，不修改状态
func (m *Memory) CheckTransfer(operator, from, to common.Address, itemID uint64) error {
	owner, err := m.OwnerOf(itemID)
	if err != nil {
		return err
	}
	if owner != from {
		return errors.ErrNotOwner.Newf("物品 %d 不属于 %s", itemID, from.Hex()).WithComponent("registry")
	}
	if to == (common.Address{}) {
		return errors.ErrInvalidAddress.New("不能转移到零地址").WithComponent("registry")
	}
	if operator != from && !m.IsApprovedForAll(from, operator) {
		return errors.ErrOperatorNotApproved.
			Newf("%s 未授权 %s 转移物品", from.Hex(), operator.Hex()).
			WithComponent("registry")
	}
	return nil
}

// SetApprovalForAll 设置运营方授权
func (m *Memory) SetApprovalForAll(owner, operator common.Address, approved bool) {
	if !approved {
		delete(m.approvals[owner], operator)
		return
	}
	if m.approvals[owner] == nil {
		m.approvals[owner] = make(map[common.Address]bool)
	}
	m.approvals[owner][operator] = true
}

// IsApprovedForAll 查询授权
func (m *Memory) IsApprovedForAll(owner, operator common.Address) bool {
	return m.approvals[owner][operator]
}

// acquire 记录首次获得顺序；物品转出后再转回保留原位置
func (m *Memory) acquire(owner common.Address, itemID uint64) {
	for _, id := range m.holdings[owner] {
		if id == itemID {
			return
		}
	}
	m.holdings[owner] = append(m.holdings[owner], itemID)
}

// Export 导出可持久化状态
func (m *Memory) Export() models.RegistryState {
	state := models.RegistryState{
		Items:     make([]models.ItemRecord, 0, len(m.owners)),
		Holdings:  make([]models.HolderItems, 0, len(m.holdings)),
		Approvals: make([]models.Approval, 0),
	}

	for id, owner := range m.owners {
		state.Items = append(state.Items, models.ItemRecord{ID: uint64(id), Owner: owner})
	}

	for holder, items := range m.holdings {
		state.Holdings = append(state.Holdings, models.HolderItems{
			Holder: holder,
			Items:  append([]uint64(nil), items...),
		})
	}
	sort.Slice(state.Holdings, func(i, j int) bool {
		return bytes.Compare(state.Holdings[i].Holder.Bytes(), state.Holdings[j].Holder.Bytes()) < 0
	})

	for owner, operators := range m.approvals {
		for operator, ok := range operators {
			if ok {
				state.Approvals = append(state.Approvals, models.Approval{Owner: owner, Operator: operator})
			}
		}
	}
	sort.Slice(state.Approvals, func(i, j int) bool {
		if c := bytes.Compare(state.Approvals[i].Owner.Bytes(), state.Approvals[j].Owner.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(state.Approvals[i].Operator.Bytes(), state.Approvals[j].Operator.Bytes()) < 0
	})

	return state
}

// Import 恢复持久化状态，物品ID必须连续
func (m *Memory) Import(state models.RegistryState) error {
	owners := make([]common.Address, len(state.Items))
	for _, item := range state.Items {
		if item.ID >= uint64(len(owners)) {
			return errors.ErrSerializationFailed.Newf("物品ID %d 不连续", item.ID).WithComponent("registry")
		}
		owners[item.ID] = item.Owner
	}

	holdings := make(map[common.Address][]uint64, len(state.Holdings))
	for _, h := range state.Holdings {
		for _, id := range h.Items {
			if id >= uint64(len(owners)) {
				return errors.ErrSerializationFailed.Newf("持有记录引用了不存在的物品 %d", id).WithComponent("registry")
			}
		}
		holdings[h.Holder] = append([]uint64(nil), h.Items...)
	}

	approvals := make(map[common.Address]map[common.Address]bool)
	for _, a := range state.Approvals {
		if approvals[a.Owner] == nil {
			approvals[a.Owner] = make(map[common.Address]bool)
		}
		approvals[a.Owner][a.Operator] = true
	}

	m.owners = owners
	m.holdings = holdings
	m.approvals = approvals
	return nil
}

var _ Registry = (*Memory)(nil)
