package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"

	"minter/internal/errors"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var fastPolicy = Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	BackoffFactor:   2.0,
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"业务错误", errors.ErrBidTooLow.New(""), false},
		{"Kafka发布失败", errors.ErrPublishFailed.New(""), true},
		{"存储错误包装网络错误", errors.ErrStorageFailed.Wrap(stderrors.New("dial tcp: connection refused")), true},
		{"存储错误包装普通错误", errors.ErrStorageFailed.Wrap(stderrors.New("bad bucket")), false},
		{"sarama无可用broker", fmt.Errorf("send: %w", sarama.ErrOutOfBrokers), true},
		{"sarama分区错误", sarama.ErrNotLeaderForPartition, true},
		{"sarama消息过大", sarama.ErrMessageSizeTooLarge, false},
		{"超时", stderrors.New("i/o timeout"), true},
		{"上下文取消", context.Canceled, false},
		{"普通错误", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	r := NewRetrier(fastPolicy, quietLogger())

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return sarama.ErrOutOfBrokers
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_GivesUp(t *testing.T) {
	r := NewRetrier(fastPolicy, quietLogger())

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		return sarama.ErrOutOfBrokers
	})

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, sarama.ErrOutOfBrokers))
	assert.Equal(t, 3, calls)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	r := NewRetrier(fastPolicy, quietLogger())

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		return errors.ErrNotWinner.New("")
	})

	assert.True(t, stderrors.Is(err, errors.ErrNotWinner))
	assert.Equal(t, 1, calls)
}

func TestExecute_ContextCancelled(t *testing.T) {
	r := NewRetrier(fastPolicy, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Execute(ctx, "test", func() error {
		calls++
		return nil
	})

	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 0, calls)
}

func TestDo_ReturnsResult(t *testing.T) {
	r := NewRetrier(fastPolicy, quietLogger())

	calls := 0
	got, err := Do(context.Background(), r, "test", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, stderrors.New("connection reset by peer")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDelayIsBounded(t *testing.T) {
	r := NewRetrier(Policy{
		MaxAttempts:         10,
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.1,
	}, quietLogger())

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.delay(attempt)
		assert.GreaterOrEqual(t, d, 9*time.Millisecond)
		assert.LessOrEqual(t, d, 55*time.Millisecond)
	}

	assert.Equal(t, 1, NewRetrier(Policy{}, quietLogger()).Policy().MaxAttempts)
}
