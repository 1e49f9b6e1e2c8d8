package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"minter/internal/auction"
	"minter/internal/config"
	"minter/internal/errors"
	"minter/internal/state"
	"minter/internal/validation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	seller   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	user2    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	user3    = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type testServer struct {
	clock   *auction.ManualClock
	server  *Server
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.GetDefaultConfig()
	cfg.Ledger.Admin = admin.Hex()
	cfg.Engine.Operator = operator.Hex()
	cfg.Server.Mode = "test"

	clock := auction.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	machine, err := state.NewMachine(cfg, nil, nil, nil, clock, logger)
	require.NoError(t, err)

	s := NewServer(machine, cfg, validation.NewValidator(logger, false), logger)
	return &testServer{clock: clock, server: s, handler: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, caller *common.Address, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(CallerHeader, caller.Hex())
	}

	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func addr(a common.Address) *common.Address {
	return &a
}

func (ts *testServer) mint(t *testing.T, to common.Address, amount string) {
	t.Helper()
	code, resp := ts.do(t, http.MethodPost, "/api/v1/ledger/mint", addr(admin), map[string]interface{}{
		"to": to.Hex(), "amount": amount,
	})
	require.Equal(t, http.StatusOK, code, resp)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, resp := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp["status"])
}

func TestLedgerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	ts.mint(t, user2, "1000")

	code, resp := ts.do(t, http.MethodPost, "/api/v1/ledger/transfer", addr(user2), map[string]interface{}{
		"to": user3.Hex(), "amount": "0x64",
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "900", resp["balance"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/ledger/balance/"+user3.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100", resp["balance"])

	code, resp = ts.do(t, http.MethodPost, "/api/v1/ledger/burn", addr(admin), map[string]interface{}{
		"from": user2.Hex(), "amount": "400",
	})
	require.Equal(t, http.StatusOK, code, resp)

	code, resp = ts.do(t, http.MethodGet, "/api/v1/ledger/supply", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "600", resp["total_supply"])
	assert.Equal(t, admin.Hex(), resp["admin"])
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.mint(t, user2, "10")

	tests := []struct {
		name   string
		method string
		path   string
		caller *common.Address
		body   interface{}
		status int
		code   string
	}{
		{"missing caller", http.MethodPost, "/api/v1/ledger/transfer", nil,
			map[string]interface{}{"to": user3.Hex(), "amount": "1"}, http.StatusBadRequest, errors.CodeInvalidAddress},
		{"not admin", http.MethodPost, "/api/v1/ledger/mint", addr(user2),
			map[string]interface{}{"to": user2.Hex(), "amount": "1"}, http.StatusForbidden, errors.CodeUnauthorized},
		{"insufficient", http.MethodPost, "/api/v1/ledger/transfer", addr(user2),
			map[string]interface{}{"to": user3.Hex(), "amount": "11"}, http.StatusConflict, errors.CodeInsufficientBalance},
		{"bad amount", http.MethodPost, "/api/v1/ledger/transfer", addr(user2),
			map[string]interface{}{"to": user3.Hex(), "amount": "-1"}, http.StatusBadRequest, errors.CodeInvalidAmount},
		{"missing body field", http.MethodPost, "/api/v1/ledger/transfer", addr(user2),
			map[string]interface{}{"to": user3.Hex()}, http.StatusBadRequest, errors.CodeInvalidArgument},
		{"unknown auction", http.MethodGet, "/api/v1/auctions/9", nil, nil, http.StatusNotFound, errors.CodeAuctionNotFound},
		{"bad id", http.MethodGet, "/api/v1/auctions/abc", nil, nil, http.StatusBadRequest, errors.CodeInvalidArgument},
		{"unknown item", http.MethodGet, "/api/v1/items/owner/4", nil, nil, http.StatusNotFound, errors.CodeItemNotFound},
		{"not owner", http.MethodPost, "/api/v1/auctions", addr(user2),
			map[string]interface{}{"duration": 60, "blind": false, "item_id": 0}, http.StatusForbidden, errors.CodeNotOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := ts.do(t, tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp["error"])
			assert.NotEmpty(t, resp["message"])
		})
	}
}

func TestAuctionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.mint(t, user2, "2000")
	ts.mint(t, user3, "3000")
	ts.mint(t, seller, "1000")

	code, resp := ts.do(t, http.MethodPost, "/api/v1/items", addr(seller), nil)
	require.Equal(t, http.StatusCreated, code, resp)
	itemID := resp["item_id"]

	code, resp = ts.do(t, http.MethodPost, "/api/v1/items/approval", addr(seller), map[string]interface{}{"approved": true})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, operator.Hex(), resp["operator"])

	code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions", addr(seller), map[string]interface{}{
		"duration": 86400, "blind": false, "item_id": itemID,
	})
	require.Equal(t, http.StatusCreated, code, resp)
	assert.Equal(t, "active", resp["status"])
	id := fmt.Sprintf("%v", resp["id"])

	for _, bid := range []struct {
		caller common.Address
		amount string
		status int
	}{
		{user2, "500", http.StatusCreated},
		{user3, "550", http.StatusCreated},
		{user2, "550", http.StatusConflict},
		{user2, "6000", http.StatusConflict},
	} {
		code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions/"+id+"/bids", addr(bid.caller),
			map[string]interface{}{"amount": bid.amount})
		assert.Equal(t, bid.status, code, resp)
	}

	code, resp = ts.do(t, http.MethodGet, "/api/v1/auctions/"+id+"/bids?pageSize=1&page=2", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), resp["total"])
	bids := resp["bids"].([]interface{})
	require.Len(t, bids, 1)
	assert.Equal(t, "550", bids[0].(map[string]interface{})["amount"])

	ts.clock.Advance(24 * time.Hour)

	code, resp = ts.do(t, http.MethodGet, "/api/v1/auctions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ended_unclaimed", resp["status"])
	assert.Equal(t, "550", resp["highest_bid"])

	code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions/"+id+"/claim", addr(user2), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, errors.CodeNotWinner, resp["error"])

	code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions/"+id+"/claim", addr(user3), nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "550", resp["amount"])

	code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions/"+id+"/claim", addr(user3), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, errors.CodeAlreadyClaimed, resp["error"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/items/owned/"+user3.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/ledger/balance/"+seller.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1550", resp["balance"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/settlements", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/auctions", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		name                string
		page, pageSize, all int
		start, end          int
	}{
		{"first page", 1, 20, 45, 0, 20},
		{"last partial page", 3, 20, 45, 40, 45},
		{"past the end", 4, 20, 45, 45, 45},
		{"empty", 1, 20, 0, 0, 0},
		{"page zero", 0, 10, 5, 0, 5},
		{"huge page", math.MaxInt, 100, 2, 2, 2},
		{"huge page size", 2, math.MaxInt, 2, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := pageBounds(tt.page, tt.pageSize, tt.all)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestBidsOf_OverflowingPage(t *testing.T) {
	ts := newTestServer(t)
	ts.mint(t, user2, "100")

	_, resp := ts.do(t, http.MethodPost, "/api/v1/items", addr(seller), nil)
	code, resp := ts.do(t, http.MethodPost, "/api/v1/auctions", addr(seller), map[string]interface{}{
		"duration": 60, "blind": false, "item_id": resp["item_id"],
	})
	require.Equal(t, http.StatusCreated, code, resp)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/auctions/0/bids", addr(user2), map[string]interface{}{"amount": "10"})
	require.Equal(t, http.StatusCreated, code)

	for _, page := range []string{"92233720368547759", "92233720368547760", fmt.Sprint(math.MaxInt64)} {
		code, resp = ts.do(t, http.MethodGet, "/api/v1/auctions/0/bids?pageSize=100&page="+page, nil, nil)
		require.Equal(t, http.StatusOK, code, page)
		assert.Equal(t, float64(1), resp["total"])
		assert.Empty(t, resp["bids"])
	}

	code, resp = ts.do(t, http.MethodGet, "/api/v1/logs?pageSize=100&page="+fmt.Sprint(math.MaxInt64), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["logs"])
}

func TestBlindedClaimTooEarly(t *testing.T) {
	ts := newTestServer(t)
	ts.mint(t, user2, "100")

	_, resp := ts.do(t, http.MethodPost, "/api/v1/items", addr(seller), nil)
	itemID := resp["item_id"]
	code, resp := ts.do(t, http.MethodPost, "/api/v1/auctions", addr(seller), map[string]interface{}{
		"duration": 60, "blind": true, "item_id": itemID,
	})
	require.Equal(t, http.StatusCreated, code, resp)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/auctions/0/bids", addr(user2), map[string]interface{}{"amount": "100"})
	require.Equal(t, http.StatusCreated, code)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions/0/claim", addr(user2), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, errors.CodeAuctionStillActive, resp["error"])

	// 卖家尚未授权运营方
	ts.clock.Advance(time.Minute)
	code, resp = ts.do(t, http.MethodPost, "/api/v1/auctions/0/claim", addr(user2), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, errors.CodeItemUnavailable, resp["error"])
}

func TestLogsAndStats(t *testing.T) {
	ts := newTestServer(t)
	ts.server.logger.Info("第一条")
	ts.server.logger.Warn("第二条")

	code, resp := ts.do(t, http.MethodGet, "/api/v1/logs?level=warning", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, resp, "machine")
	assert.Contains(t, resp, "validation")

	code, _ = ts.do(t, http.MethodDelete, "/api/v1/logs", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, ts.server.logManager.Len())
}

func TestLogManager_Ring(t *testing.T) {
	lm := NewLogManager(3)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(NewLogHook(lm))

	for i := 0; i < 5; i++ {
		logger.Infof("log %d", i)
	}

	logs, total := lm.GetLogsWithPagination("", 1, 10)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 3)
	assert.Equal(t, "log 4", logs[0].Message)
	assert.Equal(t, "log 2", logs[2].Message)

	logs, _ = lm.GetLogsWithPagination("", 2, 2)
	require.Len(t, logs, 1)
	assert.Equal(t, "log 2", logs[0].Message)

	logs, total = lm.GetLogsWithPagination("", math.MaxInt, 100)
	assert.Empty(t, logs)
	assert.Equal(t, 3, total)
}

type fakeConfigStore struct {
	values map[string]string
	topics map[string]string
}

func (f *fakeConfigStore) ListConfigs() (map[string]string, error) { return f.values, nil }

func (f *fakeConfigStore) GetConfig(key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeConfigStore) UpdateConfig(key, value string) error {
	f.values[key] = value
	return nil
}

func (f *fakeConfigStore) UpdateTopic(kind, topic string) error {
	f.topics[kind] = topic
	return nil
}

func TestConfigEndpoints(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ts := newTestServer(t)
	store := &fakeConfigStore{values: map[string]string{}, topics: map[string]string{}}
	ts.server.SetConfigManager(NewConfigManager(store, logger))
	ts.server.router = nil
	ts.handler = ts.server.Handler()

	code, _ := ts.do(t, http.MethodPut, "/api/v1/config", nil, map[string]interface{}{
		"key": "server.port", "value": "9090",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "9090", store.values["server.port"])

	code, resp := ts.do(t, http.MethodGet, "/api/v1/config/server.port", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "9090", resp["value"])

	code, _ = ts.do(t, http.MethodGet, "/api/v1/config/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodPut, "/api/v1/config/topics", nil, map[string]interface{}{
		"kind": "bid_placed", "topic": "bids_v2",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bids_v2", store.topics["bid_placed"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/config", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])
}
