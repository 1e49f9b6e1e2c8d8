package api

import (
	"net/http"
	"strconv"

	"minter/internal/errors"
	"minter/pkg/models"

	"github.com/gin-gonic/gin"
)

type amountRequest struct {
	To     string `json:"to"`
	From   string `json:"from"`
	Amount string `json:"amount" binding:"required"`
}

type approvalRequest struct {
	Operator string `json:"operator"`
	Approved *bool  `json:"approved" binding:"required"`
}

type startAuctionRequest struct {
	Duration *uint64 `json:"duration" binding:"required"`
	Blind    bool    `json:"blind"`
	ItemID   *uint64 `json:"item_id" binding:"required"`
}

type bidRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// auctionView 拍卖视图。盲拍的 highest_bid/highest_bidder 是最近一次被接受的出价，不代表当前领先者
func auctionView(a *models.Auction, status models.AuctionStatus) gin.H {
	return gin.H{
		"id":             a.ID,
		"seller":         a.Seller.Hex(),
		"item_id":        a.ItemID,
		"mode":           a.Mode.String(),
		"blind":          a.Blind(),
		"duration":       a.Duration,
		"start_time":     a.StartTime.Unix(),
		"end_time":       a.EndTime.Unix(),
		"highest_bid":    a.HighestBid.Dec(),
		"highest_bidder": a.HighestBidder.Hex(),
		"ended":          a.Ended,
		"claimed":        a.Claimed,
		"status":         status,
	}
}

func bidView(b models.Bid) gin.H {
	return gin.H{
		"auction_id": b.AuctionID,
		"bidder":     b.Bidder.Hex(),
		"amount":     b.Amount.Dec(),
		"sequence":   b.Sequence,
		"placed_at":  b.PlacedAt.Unix(),
	}
}

func settlementView(st *models.Settlement) gin.H {
	return gin.H{
		"auction_id": st.AuctionID,
		"item_id":    st.ItemID,
		"seller":     st.Seller.Hex(),
		"winner":     st.Winner.Hex(),
		"amount":     st.Amount.Dec(),
		"settled_at": st.SettledAt.Unix(),
	}
}

// mint 管理员铸造
func (s *Server) mint(c *gin.Context) {
	var req amountRequest
	if !s.bindJSON(c, &req) {
		return
	}
	to, err := s.validator.ParseAddress("to", req.To)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	amount, err := s.validator.ParseAmount("amount", req.Amount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	if err := s.machine.Mint(callerOf(c), to, amount); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"to":      to.Hex(),
		"amount":  amount.Dec(),
		"balance": s.machine.BalanceOf(to).Dec(),
	})
}

// burn 管理员销毁
func (s *Server) burn(c *gin.Context) {
	var req amountRequest
	if !s.bindJSON(c, &req) {
		return
	}
	from, err := s.validator.ParseAddress("from", req.From)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	amount, err := s.validator.ParseAmount("amount", req.Amount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	if err := s.machine.Burn(callerOf(c), from, amount); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from":    from.Hex(),
		"amount":  amount.Dec(),
		"balance": s.machine.BalanceOf(from).Dec(),
	})
}

// transfer 调用方转账
func (s *Server) transfer(c *gin.Context) {
	var req amountRequest
	if !s.bindJSON(c, &req) {
		return
	}
	to, err := s.validator.ParseAddress("to", req.To)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	amount, err := s.validator.ParseAmount("amount", req.Amount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	caller := callerOf(c)
	if err := s.machine.Transfer(caller, to, amount); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from":    caller.Hex(),
		"to":      to.Hex(),
		"amount":  amount.Dec(),
		"balance": s.machine.BalanceOf(caller).Dec(),
	})
}

// balanceOf 查询余额
func (s *Server) balanceOf(c *gin.Context) {
	addr, err := s.validator.ParseAddress("address", c.Param("address"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": addr.Hex(),
		"balance": s.machine.BalanceOf(addr).Dec(),
	})
}

// totalSupply 查询总供应量
func (s *Server) totalSupply(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total_supply": s.machine.TotalSupply().Dec(),
		"admin":        s.machine.Admin().Hex(),
	})
}

// mintItem 向调用方铸造物品
func (s *Server) mintItem(c *gin.Context) {
	caller := callerOf(c)
	id, err := s.machine.MintItem(caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"item_id": id,
		"owner":   caller.Hex(),
	})
}

// setApproval 授权或撤销运营方，未指定时为拍卖引擎
func (s *Server) setApproval(c *gin.Context) {
	var req approvalRequest
	if !s.bindJSON(c, &req) {
		return
	}

	operator := s.machine.Operator()
	if req.Operator != "" {
		var err error
		if operator, err = s.validator.ParseAddress("operator", req.Operator); err != nil {
			s.abortWithError(c, err)
			return
		}
	}

	caller := callerOf(c)
	if err := s.machine.SetApprovalForAll(caller, operator, *req.Approved); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":    caller.Hex(),
		"operator": operator.Hex(),
		"approved": *req.Approved,
	})
}

// ownerOf 查询物品持有人
func (s *Server) ownerOf(c *gin.Context) {
	id, err := s.validator.ParseID("id", c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	owner, err := s.machine.OwnerOf(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_id": id,
		"owner":   owner.Hex(),
	})
}

// ownedItems 查询地址持有的物品
func (s *Server) ownedItems(c *gin.Context) {
	addr, err := s.validator.ParseAddress("address", c.Param("address"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	items := s.machine.OwnedItems(addr)
	c.JSON(http.StatusOK, gin.H{
		"owner": addr.Hex(),
		"items": items,
		"total": len(items),
	})
}

// startAuction 开始拍卖
func (s *Server) startAuction(c *gin.Context) {
	var req startAuctionRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.validator.ValidateDuration("duration", *req.Duration); err != nil {
		s.abortWithError(c, err)
		return
	}

	a, err := s.machine.StartAuction(callerOf(c), *req.Duration, req.Blind, *req.ItemID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auctionView(a, a.Status(s.machine.Now())))
}

// listAuctions 列出全部拍卖
func (s *Server) listAuctions(c *gin.Context) {
	now := s.machine.Now()
	auctions := s.machine.Auctions()
	views := make([]gin.H, len(auctions))
	for i, a := range auctions {
		views[i] = auctionView(a, a.Status(now))
	}
	c.JSON(http.StatusOK, gin.H{
		"auctions": views,
		"total":    len(views),
	})
}

// getAuction 查询拍卖
func (s *Server) getAuction(c *gin.Context) {
	id, err := s.validator.ParseID("id", c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	a, err := s.machine.Auction(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, auctionView(a, a.Status(s.machine.Now())))
}

// bid 出价
func (s *Server) bid(c *gin.Context) {
	id, err := s.validator.ParseID("id", c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	var req bidRequest
	if !s.bindJSON(c, &req) {
		return
	}
	amount, err := s.validator.ParseAmount("amount", req.Amount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	b, err := s.machine.Bid(callerOf(c), amount, id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bidView(*b))
}

// bidsOf 分页查询出价，按提交顺序
func (s *Server) bidsOf(c *gin.Context) {
	id, err := s.validator.ParseID("id", c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	bids, err := s.machine.BidsOf(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	page, pageSize := s.pagination(c)
	total := len(bids)
	start, end := pageBounds(page, pageSize, total)

	views := make([]gin.H, 0, end-start)
	for _, b := range bids[start:end] {
		views = append(views, bidView(b))
	}
	c.JSON(http.StatusOK, gin.H{
		"bids":     views,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// claim 中标者领取
func (s *Server) claim(c *gin.Context) {
	id, err := s.validator.ParseID("id", c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	st, err := s.machine.ClaimAsset(callerOf(c), id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlementView(st))
}

// settlements 查询结算归档
func (s *Server) settlements(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			s.abortWithError(c, errors.ErrInvalidArgument.Newf("limit 无效: %s", raw))
			return
		}
		limit = l
	}

	list, err := s.machine.Settlements(c.Request.Context(), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	views := make([]gin.H, len(list))
	for i, st := range list {
		views[i] = settlementView(st)
	}
	c.JSON(http.StatusOK, gin.H{
		"settlements": views,
		"total":       len(views),
	})
}

// pagination 解析 page/pageSize，非法值回退到默认
// pageBounds 计算分页的切片范围，页码过大时返回空范围
func pageBounds(page, pageSize, total int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return total, total
	}
	pages := total / pageSize
	if total%pageSize != 0 {
		pages++
	}
	// 先比较再相乘，避免 (page-1)*pageSize 溢出
	if page-1 >= pages {
		return total, total
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

func (s *Server) pagination(c *gin.Context) (int, int) {
	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}

	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}
	if pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}
	return page, pageSize
}
