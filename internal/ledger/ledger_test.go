package ledger

import (
	"errors"
	"testing"

	lerrors "minter/internal/errors"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func amount(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func TestMint_Admin(t *testing.T) {
	l := New(admin)

	require.NoError(t, l.Mint(admin, admin, amount(1000000)))

	assert.Equal(t, uint64(1000000), l.BalanceOf(admin).Uint64())
	assert.Equal(t, uint64(1000000), l.TotalSupply().Uint64())
}

func TestMintBurn_RoundTrip(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, admin, amount(1000000)))

	require.NoError(t, l.Burn(admin, admin, amount(100)))
	assert.Equal(t, uint64(999900), l.BalanceOf(admin).Uint64())

	require.NoError(t, l.Mint(admin, admin, amount(100)))
	assert.Equal(t, uint64(1000000), l.BalanceOf(admin).Uint64())
	assert.Equal(t, uint64(1000000), l.TotalSupply().Uint64())
}

func TestMintBurn_NonAdminUnauthorized(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, bob, amount(2000)))

	err := l.Mint(bob, bob, amount(100))
	assert.True(t, errors.Is(err, lerrors.ErrUnauthorized))

	err = l.Burn(bob, bob, amount(100))
	assert.True(t, errors.Is(err, lerrors.ErrUnauthorized))

	assert.Equal(t, uint64(2000), l.BalanceOf(bob).Uint64())
	assert.Equal(t, uint64(2000), l.TotalSupply().Uint64())
}

func TestBurn_InsufficientBalance(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, alice, amount(50)))

	err := l.Burn(admin, alice, amount(51))
	assert.True(t, errors.Is(err, lerrors.ErrInsufficientBalance))
	assert.Equal(t, uint64(50), l.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(50), l.TotalSupply().Uint64())
}

func TestTransfer(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, alice, amount(6000)))

	require.NoError(t, l.Transfer(alice, bob, amount(1000)))
	assert.Equal(t, uint64(5000), l.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(1000), l.BalanceOf(bob).Uint64())

	err := l.Transfer(bob, alice, amount(1001))
	assert.True(t, errors.Is(err, lerrors.ErrInsufficientBalance))
	assert.Equal(t, uint64(1000), l.BalanceOf(bob).Uint64())
	assert.Equal(t, uint64(5000), l.BalanceOf(alice).Uint64())

	// 自转账不改变余额
	require.NoError(t, l.Transfer(alice, alice, amount(5000)))
	assert.Equal(t, uint64(5000), l.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(6000), l.TotalSupply().Uint64())
}

func TestMint_Overflow(t *testing.T) {
	l := New(admin)
	max := new(uint256.Int).SetAllOne()
	require.NoError(t, l.Mint(admin, alice, max))

	err := l.Mint(admin, bob, amount(1))
	assert.True(t, errors.Is(err, lerrors.ErrAmountOverflow))
	assert.True(t, l.BalanceOf(bob).IsZero())
	assert.Equal(t, max, l.TotalSupply())
}

func TestBalanceOf_Copy(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, alice, amount(10)))

	b := l.BalanceOf(alice)
	b.SetUint64(999)
	assert.Equal(t, uint64(10), l.BalanceOf(alice).Uint64())
	assert.True(t, l.BalanceOf(bob).IsZero())
}

func TestCovers(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, alice, amount(500)))

	assert.True(t, l.Covers(alice, amount(500)))
	assert.False(t, l.Covers(alice, amount(501)))
	assert.True(t, l.Covers(bob, amount(0)))
}

func TestBalancesNeverNegative(t *testing.T) {
	l := New(admin)
	ops := []func() error{
		func() error { return l.Mint(admin, alice, amount(100)) },
		func() error { return l.Transfer(alice, bob, amount(60)) },
		func() error { return l.Transfer(alice, bob, amount(60)) },
		func() error { return l.Burn(admin, bob, amount(61)) },
		func() error { return l.Burn(admin, bob, amount(60)) },
		func() error { return l.Transfer(bob, alice, amount(1)) },
	}
	for _, op := range ops {
		_ = op()
	}

	assert.Equal(t, uint64(40), l.BalanceOf(alice).Uint64())
	assert.True(t, l.BalanceOf(bob).IsZero())
	assert.Equal(t, uint64(40), l.TotalSupply().Uint64())
}

func TestAccountsRestore(t *testing.T) {
	l := New(admin)
	require.NoError(t, l.Mint(admin, bob, amount(2)))
	require.NoError(t, l.Mint(admin, alice, amount(1)))

	accounts := l.Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, alice, accounts[0].Address)
	assert.Equal(t, bob, accounts[1].Address)

	restored := New(admin)
	require.NoError(t, restored.Restore(accounts))
	assert.Equal(t, uint64(1), restored.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(2), restored.BalanceOf(bob).Uint64())
	assert.Equal(t, uint64(3), restored.TotalSupply().Uint64())

	require.NoError(t, restored.Restore([]*models.Account{nil, {Address: alice}}))
	assert.True(t, restored.TotalSupply().IsZero())
}
