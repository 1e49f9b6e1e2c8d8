package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 每小时错误数阈值
	thresholds map[ErrorSeverity]int
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *LedgerError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *LedgerError)

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: map[ErrorSeverity]int{
			SeverityLow:      1000,
			SeverityMedium:   200,
			SeverityHigh:     20,
			SeverityCritical: 5,
		},
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	return eh
}

// HandleError 处理错误，返回原错误（已转换为 LedgerError）
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	ledgerErr, ok := From(err)
	if !ok {
		ledgerErr = WrapError(err, ErrorTypeSystem, SeverityMedium, CodeUnknown, "未知错误")
	}

	eh.recordError(ledgerErr)

	if eh.checkThresholds(ledgerErr) {
		eh.logger.Warnf("错误达到阈值限制: %s", ledgerErr.Error())
	}

	eh.executeCallbacks(ledgerErr)

	return eh.executeStrategy(ctx, ledgerErr)
}

// recordError 记录错误
func (eh *ErrorHandler) recordError(err *LedgerError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.RecordError(err)
}

// checkThresholds 检查每小时错误数是否超过该严重级别的阈值
func (eh *ErrorHandler) checkThresholds(err *LedgerError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	limit, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}

	return eh.stats.GetErrorRate(time.Hour) > float64(limit)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *LedgerError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// executeStrategy 执行处理策略
func (eh *ErrorHandler) executeStrategy(ctx context.Context, err *LedgerError) error {
	eh.mu.RLock()
	strategy, exists := eh.strategies[err.Type]
	eh.mu.RUnlock()
	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}

	return strategy.Handle(ctx, err)
}

// Handle 实现LoggingStrategy的处理方法
func (ls *LoggingStrategy) Handle(ctx context.Context, err *LedgerError) error {
	logEntry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
		"auction_id": err.AuctionID,
		"address":    err.Address,
		"context":    err.Context,
	})

	// 严重错误也只记录Error级别，不能因为一次持久化失败让服务退出
	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Error())
	case SeverityMedium:
		logEntry.Warn(err.Error())
	default:
		logEntry.Error(err.Error())
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// SetThreshold 设置每小时错误数阈值
func (eh *ErrorHandler) SetThreshold(severity ErrorSeverity, maxPerHour int) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[severity] = maxPerHour
}

// GetStats 获取错误统计信息副本
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.Copy()
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
