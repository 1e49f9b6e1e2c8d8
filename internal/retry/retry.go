// Package retry 为外部依赖（Kafka、PostgreSQL）的调用提供指数退避重试。
// 账本和拍卖操作本身从不重试：它们的失败是确定性的业务结果。
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"minter/internal/errors"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts         int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval     time.Duration `json:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval         time.Duration `json:"max_interval" mapstructure:"max_interval"`
	BackoffFactor       float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	RandomizationFactor float64       `json:"randomization_factor" mapstructure:"randomization_factor"`
}

// DefaultPolicy 默认策略
var DefaultPolicy = Policy{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
}

// PublishPolicy 事件发布策略。发布在状态锁内同步进行，总等待时间要短
var PublishPolicy = Policy{
	MaxAttempts:         3,
	InitialInterval:     50 * time.Millisecond,
	MaxInterval:         500 * time.Millisecond,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
}

// ArchivePolicy 结算归档策略
var ArchivePolicy = Policy{
	MaxAttempts:         4,
	InitialInterval:     200 * time.Millisecond,
	MaxInterval:         2 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.15,
}

// 可重试的Kafka错误
var retryableKafkaErrors = []error{
	sarama.ErrOutOfBrokers,
	sarama.ErrNotConnected,
	sarama.ErrClosedClient,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrLeaderNotAvailable,
	sarama.ErrRequestTimedOut,
	sarama.ErrNotEnoughReplicas,
	sarama.ErrNotEnoughReplicasAfterAppend,
	sarama.ErrNetworkException,
}

// 网络相关的错误片段
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"too many connections",
}

// IsRetryable 判断错误是否值得重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if le, ok := errors.From(err); ok {
		// 业务错误不可重试；包装了外部错误的系统错误按原因判断
		if le.Retryable {
			return true
		}
		if le.Cause == nil {
			return false
		}
		return IsRetryable(le.Cause)
	}

	for _, kerr := range retryableKafkaErrors {
		if stderrors.Is(err, kerr) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	policy Policy
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(policy Policy, logger *logrus.Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		policy: policy,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 执行 fn，可重试错误按策略退避后重试
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	_, err := Do(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 执行带返回值的 fn
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return result, nil
		}

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= r.policy.MaxAttempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.delay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

// delay 计算第 attempt 次失败后的等待时间
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialInterval) * math.Pow(r.policy.BackoffFactor, float64(attempt-1))
	if ceiling := float64(r.policy.MaxInterval); ceiling > 0 && d > ceiling {
		d = ceiling
	}

	if f := r.policy.RandomizationFactor; f > 0 {
		r.mu.Lock()
		jitter := d * f
		d = d - jitter + r.rand.Float64()*2*jitter
		r.mu.Unlock()
	}
	if d < 0 {
		d = float64(r.policy.InitialInterval)
	}
	return time.Duration(d)
}

// Policy 返回当前策略
func (r *Retrier) Policy() Policy {
	return r.policy
}
