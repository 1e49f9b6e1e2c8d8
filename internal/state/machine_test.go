package state

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"minter/internal/auction"
	"minter/internal/config"
	lerrors "minter/internal/errors"
	"minter/internal/events"
	"minter/internal/store"
	"minter/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = uint64(24 * 60 * 60)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	seller   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	user2    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	user3    = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Ledger.Admin = admin.Hex()
	cfg.Engine.Operator = operator.Hex()
	return cfg
}

type harness struct {
	store     *store.MemoryStore
	publisher *events.MemoryPublisher
	archive   *store.MemoryArchive
	clock     *auction.ManualClock
	machine   *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		publisher: events.NewMemoryPublisher(),
		archive:   store.NewMemoryArchive(),
		clock:     auction.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	m, err := NewMachine(testConfig(), h.store, h.publisher, h.archive, h.clock, quietLogger())
	require.NoError(t, err)
	h.machine = m
	return h
}

func amount(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// openAuction 卖家铸造物品、授权运营方并开拍
func (h *harness) openAuction(t *testing.T, blind bool) *models.Auction {
	t.Helper()
	id, err := h.machine.MintItem(seller)
	require.NoError(t, err)
	require.NoError(t, h.machine.SetApprovalForAll(seller, operator, true))
	a, err := h.machine.StartAuction(seller, day, blind, id)
	require.NoError(t, err)
	return a
}

func TestMachine_LedgerOperations(t *testing.T) {
	h := newHarness(t)
	m := h.machine

	require.NoError(t, m.Mint(admin, user2, amount(1000)))
	require.NoError(t, m.Transfer(user2, user3, amount(400)))
	require.NoError(t, m.Burn(admin, user3, amount(100)))

	assert.Equal(t, "600", m.BalanceOf(user2).Dec())
	assert.Equal(t, "300", m.BalanceOf(user3).Dec())
	assert.Equal(t, "900", m.TotalSupply().Dec())

	err := m.Mint(user2, user2, amount(1))
	assert.True(t, errors.Is(err, lerrors.ErrUnauthorized))

	// 被拒绝的操作不持久化也不发布事件
	assert.Equal(t, 3, h.store.Saves())
	assert.Len(t, h.publisher.Events(), 3)

	minted := h.publisher.EventsOfKind(models.EventMinted)
	require.Len(t, minted, 1)
	assert.Equal(t, user2, minted[0].To)
	assert.Equal(t, "1000", minted[0].Amount.Dec())

	transferred := h.publisher.EventsOfKind(models.EventTransferred)
	require.Len(t, transferred, 1)
	assert.Equal(t, user2, transferred[0].From)
	assert.Equal(t, user3, transferred[0].To)
}

func TestMachine_OpenAuctionFlow(t *testing.T) {
	h := newHarness(t)
	m := h.machine

	require.NoError(t, m.Mint(admin, seller, amount(1000)))
	require.NoError(t, m.Mint(admin, user2, amount(2000)))
	require.NoError(t, m.Mint(admin, user3, amount(3000)))

	a := h.openAuction(t, false)

	_, err := m.Bid(user2, amount(500), a.ID)
	require.NoError(t, err)
	_, err = m.Bid(user3, amount(550), a.ID)
	require.NoError(t, err)
	_, err = m.Bid(user2, amount(550), a.ID)
	assert.True(t, errors.Is(err, lerrors.ErrBidTooLow))

	h.clock.Advance(24 * time.Hour)
	_, err = m.Bid(user2, amount(900), a.ID)
	assert.True(t, errors.Is(err, lerrors.ErrAuctionEnded))

	status, err := m.AuctionStatus(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEndedUnclaimed, status)

	_, err = m.ClaimAsset(user2, a.ID)
	assert.True(t, errors.Is(err, lerrors.ErrNotWinner))

	s, err := m.ClaimAsset(user3, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "550", s.Amount.Dec())
	assert.Equal(t, user3, s.Winner)

	assert.Equal(t, "1550", m.BalanceOf(seller).Dec())
	assert.Equal(t, "2450", m.BalanceOf(user3).Dec())
	assert.Equal(t, "6000", m.TotalSupply().Dec())

	owner, err := m.OwnerOf(a.ItemID)
	require.NoError(t, err)
	assert.Equal(t, user3, owner)
	assert.Equal(t, []uint64{a.ItemID}, m.OwnedItems(user3))

	started := h.publisher.EventsOfKind(models.EventAuctionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, seller, started[0].Seller)
	assert.Equal(t, day, started[0].Duration)
	assert.False(t, started[0].Blind)
	assert.Len(t, h.publisher.EventsOfKind(models.EventBidPlaced), 2)
	assert.Len(t, h.publisher.EventsOfKind(models.EventAuctionClaimed), 1)

	settlements, err := m.Settlements(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, a.ID, settlements[0].AuctionID)

	_, err = m.ClaimAsset(user3, a.ID)
	assert.True(t, errors.Is(err, lerrors.ErrAlreadyClaimed))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Operations["claim"])
	assert.Equal(t, uint64(2), stats.Operations["bid"])
	assert.Equal(t, 1, stats.Auctions)
	assert.Equal(t, 2, stats.Bids)
	assert.Equal(t, "6000", stats.TotalSupply)
}

func TestMachine_BlindedAuctionFlow(t *testing.T) {
	h := newHarness(t)
	m := h.machine

	require.NoError(t, m.Mint(admin, user2, amount(2000)))
	require.NoError(t, m.Mint(admin, user3, amount(5000)))

	a := h.openAuction(t, true)

	for _, bid := range []struct {
		from   common.Address
		amount uint64
	}{{user2, 200}, {user2, 100}, {user3, 3000}} {
		_, err := m.Bid(bid.from, amount(bid.amount), a.ID)
		require.NoError(t, err)
	}

	_, err := m.ClaimAsset(user3, a.ID)
	assert.True(t, errors.Is(err, lerrors.ErrAuctionStillActive))

	h.clock.Advance(24 * time.Hour)
	_, err = m.ClaimAsset(user3, a.ID)
	require.NoError(t, err)

	assert.Equal(t, "3000", m.BalanceOf(seller).Dec())
	assert.Equal(t, "2000", m.BalanceOf(user3).Dec())
	assert.Equal(t, "2000", m.BalanceOf(user2).Dec())

	bids, err := m.BidsOf(a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.Equal(t, "100", bids[1].Amount.Dec())
}

func TestMachine_RestoresFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minter.db")
	clock := auction.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	bolt, err := store.NewBoltStore(path, time.Second, quietLogger())
	require.NoError(t, err)
	m, err := NewMachine(testConfig(), bolt, nil, nil, clock, quietLogger())
	require.NoError(t, err)

	require.NoError(t, m.Mint(admin, user2, amount(2000)))
	id, err := m.MintItem(seller)
	require.NoError(t, err)
	require.NoError(t, m.SetApprovalForAll(seller, operator, true))
	a, err := m.StartAuction(seller, day, false, id)
	require.NoError(t, err)
	_, err = m.Bid(user2, amount(700), a.ID)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	bolt, err = store.NewBoltStore(path, time.Second, quietLogger())
	require.NoError(t, err)
	restored, err := NewMachine(testConfig(), bolt, nil, nil, clock, quietLogger())
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, "2000", restored.BalanceOf(user2).Dec())
	assert.Equal(t, "2000", restored.TotalSupply().Dec())

	owner, err := restored.OwnerOf(id)
	require.NoError(t, err)
	assert.Equal(t, seller, owner)
	assert.True(t, restored.IsApprovedForAll(seller, operator))

	got, err := restored.Auction(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "700", got.HighestBid.Dec())
	assert.Equal(t, user2, got.HighestBidder)

	// 恢复后继续拍卖
	_, err = restored.Bid(user2, amount(700), a.ID)
	assert.True(t, errors.Is(err, lerrors.ErrBidTooLow))

	clock.Advance(24 * time.Hour)
	_, err = restored.ClaimAsset(user2, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "700", restored.BalanceOf(seller).Dec())

	nextID, err := restored.MintItem(user3)
	require.NoError(t, err)
	assert.Equal(t, id+1, nextID)
}

type failingStore struct {
	store.MemoryStore
}

func (f *failingStore) SaveSnapshot(*models.Snapshot) error {
	return lerrors.ErrStorageFailed.New("磁盘已满").WithComponent("store")
}

type failingPublisher struct{}

func (failingPublisher) Publish(*models.Event) error {
	return lerrors.ErrPublishFailed.New("broker不可用").WithComponent("events")
}

func (failingPublisher) Close() error { return nil }

func TestMachine_BackgroundFailuresKeepState(t *testing.T) {
	m, err := NewMachine(testConfig(), &failingStore{}, failingPublisher{}, nil, nil, quietLogger())
	require.NoError(t, err)

	require.NoError(t, m.Mint(admin, user2, amount(10)))
	assert.Equal(t, "10", m.BalanceOf(user2).Dec())

	stats := m.ErrorHandler().GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByCode[lerrors.CodeStorageFailed])
	assert.Equal(t, 1, stats.ErrorsByCode[lerrors.CodePublishFailed])
	assert.Equal(t, "mint", stats.LastError.Context["operation"])

	machineStats := m.Stats()
	assert.Equal(t, uint64(0), machineStats.Persisted)
	assert.Equal(t, uint64(0), machineStats.Published)
	assert.Equal(t, uint64(1), machineStats.Operations["mint"])
}

func TestMachine_RejectsInconsistentSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveSnapshot(&models.Snapshot{
		Admin:       admin,
		TotalSupply: amount(5),
		Accounts:    []*models.Account{{Address: user2, Balance: amount(4)}},
	}))

	_, err := NewMachine(testConfig(), st, nil, nil, nil, quietLogger())
	assert.True(t, errors.Is(err, lerrors.ErrSerializationFailed))
}

func TestMachine_SetApprovalRequiresOperator(t *testing.T) {
	h := newHarness(t)
	err := h.machine.SetApprovalForAll(seller, common.Address{}, true)
	assert.True(t, errors.Is(err, lerrors.ErrInvalidAddress))
	assert.Equal(t, 0, h.store.Saves())
}
