package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 业务规则错误
	ErrorTypeAuthorization ErrorType = iota
	ErrorTypeFunds
	ErrorTypeOwnership
	ErrorTypeNotFound
	ErrorTypeAuctionState
	ErrorTypeBidRejected

	// 数据相关错误
	ErrorTypeValidation
	ErrorTypeSerialization

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeStorage
	ErrorTypeConfig

	// 外部服务错误
	ErrorTypeConnection
	ErrorTypeTimeout
	ErrorTypeKafka
	ErrorTypeArchive
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// 错误码
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeAmountOverflow      = "AMOUNT_OVERFLOW"
	CodeNotOwner            = "NOT_OWNER"
	CodeOperatorNotApproved = "OPERATOR_NOT_APPROVED"
	CodeItemNotFound        = "ITEM_NOT_FOUND"
	CodeItemUnavailable     = "ITEM_UNAVAILABLE"
	CodeAuctionNotFound     = "AUCTION_NOT_FOUND"
	CodeAuctionEnded        = "AUCTION_ENDED"
	CodeAuctionStillActive  = "AUCTION_STILL_ACTIVE"
	CodeBidTooLow           = "BID_TOO_LOW"
	CodeNotWinner           = "NOT_WINNER"
	CodeAlreadyClaimed      = "ALREADY_CLAIMED"
	CodeInvalidAddress      = "INVALID_ADDRESS"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidDuration     = "INVALID_DURATION"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeStorageFailed       = "STORAGE_FAILED"
	CodeSerializationFailed = "SERIALIZATION_FAILED"
	CodePublishFailed       = "PUBLISH_FAILED"
	CodeArchiveFailed       = "ARCHIVE_FAILED"
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// LedgerError 自定义错误类型
type LedgerError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	AuctionID *uint64                `json:"auction_id,omitempty"`
	Address   *string                `json:"address,omitempty"`
}

// Error 实现error接口
func (e *LedgerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *LedgerError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrBidTooLow) 对派生出的错误同样成立
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *LedgerError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *LedgerError) WithContext(key string, value interface{}) *LedgerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAuctionID 添加拍卖ID
func (e *LedgerError) WithAuctionID(auctionID uint64) *LedgerError {
	e.AuctionID = &auctionID
	return e
}

// WithAddress 添加地址
func (e *LedgerError) WithAddress(address string) *LedgerError {
	e.Address = &address
	return e
}

// WithComponent 设置组件名
func (e *LedgerError) WithComponent(component string) *LedgerError {
	e.Component = component
	return e
}

// New 基于预定义错误派生一个新实例，预定义错误本身不会被修改
func (e *LedgerError) New(message string) *LedgerError {
	derived := NewLedgerError(e.Type, e.Severity, e.Code, e.Message)
	if message != "" {
		derived.Message = message
	}
	return derived
}

// Newf 格式化派生
func (e *LedgerError) Newf(format string, args ...interface{}) *LedgerError {
	return e.New(fmt.Sprintf(format, args...))
}

// Wrap 基于预定义错误派生并包装原因
func (e *LedgerError) Wrap(cause error) *LedgerError {
	derived := e.New("")
	derived.Cause = cause
	return derived
}

// NewLedgerError 创建新的错误
func NewLedgerError(errorType ErrorType, severity ErrorSeverity, code, message string) *LedgerError {
	return &LedgerError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *LedgerError {
	e := NewLedgerError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试。业务规则错误一律不重试，由调用方修正输入
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeArchive:
		return true
	default:
		return false
	}
}

// From 从错误链中取出 LedgerError
func From(err error) (*LedgerError, bool) {
	var le *LedgerError
	if stderrors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// CodeOf 返回错误链中的错误码，非 LedgerError 返回 UNKNOWN_ERROR
func CodeOf(err error) string {
	if le, ok := From(err); ok {
		return le.Code
	}
	return CodeUnknown
}

// 预定义错误
var (
	// 账本错误
	ErrUnauthorized = NewLedgerError(
		ErrorTypeAuthorization,
		SeverityMedium,
		CodeUnauthorized,
		"调用者不是管理员",
	)

	ErrInsufficientBalance = NewLedgerError(
		ErrorTypeFunds,
		SeverityLow,
		CodeInsufficientBalance,
		"余额不足",
	)

	ErrAmountOverflow = NewLedgerError(
		ErrorTypeFunds,
		SeverityHigh,
		CodeAmountOverflow,
		"金额溢出",
	)

	// 物品错误
	ErrNotOwner = NewLedgerError(
		ErrorTypeOwnership,
		SeverityLow,
		CodeNotOwner,
		"调用者不是物品持有人",
	)

	ErrOperatorNotApproved = NewLedgerError(
		ErrorTypeOwnership,
		SeverityMedium,
		CodeOperatorNotApproved,
		"运营方未获授权",
	)

	ErrItemNotFound = NewLedgerError(
		ErrorTypeNotFound,
		SeverityLow,
		CodeItemNotFound,
		"物品不存在",
	)

	ErrItemUnavailable = NewLedgerError(
		ErrorTypeOwnership,
		SeverityMedium,
		CodeItemUnavailable,
		"物品无法转移给获胜者",
	)

	// 拍卖错误
	ErrAuctionNotFound = NewLedgerError(
		ErrorTypeNotFound,
		SeverityLow,
		CodeAuctionNotFound,
		"拍卖不存在",
	)

	ErrAuctionEnded = NewLedgerError(
		ErrorTypeAuctionState,
		SeverityLow,
		CodeAuctionEnded,
		"拍卖已结束",
	)

	ErrAuctionStillActive = NewLedgerError(
		ErrorTypeAuctionState,
		SeverityLow,
		CodeAuctionStillActive,
		"拍卖仍在进行中",
	)

	ErrBidTooLow = NewLedgerError(
		ErrorTypeBidRejected,
		SeverityLow,
		CodeBidTooLow,
		"出价低于当前最高价",
	)

	ErrNotWinner = NewLedgerError(
		ErrorTypeAuthorization,
		SeverityLow,
		CodeNotWinner,
		"调用者不是获胜者",
	)

	ErrAlreadyClaimed = NewLedgerError(
		ErrorTypeAuctionState,
		SeverityLow,
		CodeAlreadyClaimed,
		"拍卖已被领取",
	)

	// 数据错误
	ErrInvalidAddress = NewLedgerError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidAddress,
		"地址格式无效",
	)

	ErrInvalidAmount = NewLedgerError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidAmount,
		"金额格式无效",
	)

	ErrInvalidDuration = NewLedgerError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidDuration,
		"拍卖时长无效",
	)

	ErrInvalidArgument = NewLedgerError(
		ErrorTypeValidation,
		SeverityLow,
		CodeInvalidArgument,
		"请求参数无效",
	)

	ErrSerializationFailed = NewLedgerError(
		ErrorTypeSerialization,
		SeverityMedium,
		CodeSerializationFailed,
		"数据序列化失败",
	)

	// 系统错误
	ErrStorageFailed = NewLedgerError(
		ErrorTypeStorage,
		SeverityHigh,
		CodeStorageFailed,
		"状态持久化失败",
	)

	ErrConfigInvalid = NewLedgerError(
		ErrorTypeConfig,
		SeverityCritical,
		CodeConfigInvalid,
		"配置无效",
	)

	// 外部服务错误
	ErrPublishFailed = NewLedgerError(
		ErrorTypeKafka,
		SeverityHigh,
		CodePublishFailed,
		"事件发布失败",
	)

	ErrArchiveFailed = NewLedgerError(
		ErrorTypeArchive,
		SeverityHigh,
		CodeArchiveFailed,
		"结算归档失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeAuthorization: "Authorization",
	ErrorTypeFunds:         "Funds",
	ErrorTypeOwnership:     "Ownership",
	ErrorTypeNotFound:      "NotFound",
	ErrorTypeAuctionState:  "AuctionState",
	ErrorTypeBidRejected:   "BidRejected",
	ErrorTypeValidation:    "Validation",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeSystem:        "System",
	ErrorTypeStorage:       "Storage",
	ErrorTypeConfig:        "Config",
	ErrorTypeConnection:    "Connection",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeKafka:         "Kafka",
	ErrorTypeArchive:       "Archive",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByCode      map[string]int        `json:"errors_by_code"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*LedgerError        `json:"recent_errors"`
	LastError         *LedgerError          `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByCode:      make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*LedgerError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *LedgerError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	es.ErrorsByCode[err.Code]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// Copy 返回统计信息的副本
func (es *ErrorStats) Copy() *ErrorStats {
	c := NewErrorStats()
	c.TotalErrors = es.TotalErrors
	for k, v := range es.ErrorsByType {
		c.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		c.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByCode {
		c.ErrorsByCode[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		c.ErrorsByComponent[k] = v
	}
	c.RecentErrors = append(c.RecentErrors, es.RecentErrors...)
	c.LastError = es.LastError
	c.LastErrorTime = es.LastErrorTime
	return c
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
