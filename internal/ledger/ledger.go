// Package ledger 维护地址到余额的映射，由管理员铸造和销毁。
package ledger

import (
	"bytes"
	"sort"

	"minter/internal/errors"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger 账本。不做并发控制，调用方（state.Machine）负责串行化
type Ledger struct {
	admin    common.Address
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
}

// New 创建账本，admin 在创建后不可更改
func New(admin common.Address) *Ledger {
	return &Ledger{
		admin:    admin,
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
	}
}

// Admin 返回管理员地址
func (l *Ledger) Admin() common.Address {
	return l.admin
}

// Mint 管理员向 to 铸造 amount
func (l *Ledger) Mint(caller, to common.Address, amount *uint256.Int) error {
	if caller != l.admin {
		return errors.ErrUnauthorized.New("").WithAddress(caller.Hex()).WithComponent("ledger")
	}

	balance, overflow := new(uint256.Int).AddOverflow(l.balanceRef(to), amount)
	if overflow {
		return errors.ErrAmountOverflow.Newf("铸造后余额溢出: %s", to.Hex()).WithComponent("ledger")
	}
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return errors.ErrAmountOverflow.New("总供应量溢出").WithComponent("ledger")
	}

	l.balances[to] = balance
	l.supply = supply
	return nil
}

// Burn 管理员从 from 销毁 amount
func (l *Ledger) Burn(caller, from common.Address, amount *uint256.Int) error {
	if caller != l.admin {
		return errors.ErrUnauthorized.New("").WithAddress(caller.Hex()).WithComponent("ledger")
	}

	balance, err := l.debit(from, amount)
	if err != nil {
		return err
	}

	l.balances[from] = balance
	// 总供应量不小于任一余额，这里不会下溢
	l.supply = new(uint256.Int).Sub(l.supply, amount)
	return nil
}

// Transfer 调用者向 to 转账
func (l *Ledger) Transfer(caller, to common.Address, amount *uint256.Int) error {
	return l.Move(caller, to, amount)
}

// Move 在两个账户间转移余额，不做调用者校验。拍卖结算通过它完成付款
func (l *Ledger) Move(from, to common.Address, amount *uint256.Int) error {
	fromBalance, err := l.debit(from, amount)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	toBalance, overflow := new(uint256.Int).AddOverflow(l.balanceRef(to), amount)
	if overflow {
		return errors.ErrAmountOverflow.Newf("转入后余额溢出: %s", to.Hex()).WithComponent("ledger")
	}

	l.balances[from] = fromBalance
	l.balances[to] = toBalance
	return nil
}

// debit 计算扣款后的余额，余额不足返回错误，不修改状态
func (l *Ledger) debit(from common.Address, amount *uint256.Int) (*uint256.Int, error) {
	balance, underflow := new(uint256.Int).SubOverflow(l.balanceRef(from), amount)
	if underflow {
		return nil, errors.ErrInsufficientBalance.
			Newf("余额 %s 不足 %s", l.balanceRef(from).Dec(), amount.Dec()).
			WithAddress(from.Hex()).
			WithComponent("ledger")
	}
	return balance, nil
}

// Covers 判断 addr 的余额是否不少于 amount
func (l *Ledger) Covers(addr common.Address, amount *uint256.Int) bool {
	return !l.balanceRef(addr).Lt(amount)
}

// BalanceOf 查询余额，返回副本
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	return new(uint256.Int).Set(l.balanceRef(addr))
}

// TotalSupply 查询总供应量
func (l *Ledger) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(l.supply)
}

func (l *Ledger) balanceRef(addr common.Address) *uint256.Int {
	if balance, ok := l.balances[addr]; ok {
		return balance
	}
	return new(uint256.Int)
}

// Accounts 返回按地址排序的账户快照
func (l *Ledger) Accounts() []*models.Account {
	accounts := make([]*models.Account, 0, len(l.balances))
	for addr, balance := range l.balances {
		accounts = append(accounts, &models.Account{
			Address: addr,
			Balance: new(uint256.Int).Set(balance),
		})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Address.Bytes(), accounts[j].Address.Bytes()) < 0
	})
	return accounts
}

// Restore 从持久化的账户列表恢复状态，总供应量以余额之和为准
func (l *Ledger) Restore(accounts []*models.Account) error {
	balances := make(map[common.Address]*uint256.Int, len(accounts))
	supply := new(uint256.Int)
	for _, acc := range accounts {
		if acc == nil || acc.Balance == nil {
			continue
		}
		var overflow bool
		supply, overflow = new(uint256.Int).AddOverflow(supply, acc.Balance)
		if overflow {
			return errors.ErrAmountOverflow.New("恢复的总供应量溢出").WithComponent("ledger")
		}
		balances[acc.Address] = new(uint256.Int).Set(acc.Balance)
	}

	l.balances = balances
	l.supply = supply
	return nil
}
