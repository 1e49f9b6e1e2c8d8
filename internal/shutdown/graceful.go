// Package shutdown 按顺序执行服务停机步骤。
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopServer  = 10 // 停止接受HTTP请求并等待进行中的请求
	OrderSaveState   = 20 // 最后一次持久化快照
	OrderCloseStores = 30 // 关闭事件发布器、归档和状态数据库
)

// Hook 停机步骤
type Hook struct {
	Name  string
	Order int
	Fn    func(ctx context.Context) error
}

// Manager 停机管理器
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []Hook
	done  bool
	err   error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager 创建停机管理器，timeout 为全部步骤的总时限
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册停机步骤
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Order: order, Fn: fn})
	m.logger.Debugf("注册停机处理: %s (order: %d)", name, order)
}

// Context 停机开始时取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Hooks 按执行顺序返回已注册的步骤名
func (m *Manager) Hooks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := m.sorted()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}

func (m *Manager) sorted() []Hook {
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})
	return hooks
}

// Wait 阻塞直到收到 SIGINT/SIGTERM、ctx 取消或 stop 关闭，然后执行停机
func (m *Manager) Wait(ctx context.Context, stop <-chan error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var cause error
	select {
	case sig := <-signals:
		m.logger.Infof("收到停机信号: %v", sig)
	case <-ctx.Done():
		m.logger.Info("上下文已取消，开始停机")
	case cause = <-stop:
		if cause != nil {
			m.logger.Errorf("服务异常退出: %v", cause)
		}
	}

	if err := m.Shutdown(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Shutdown 执行全部步骤，只执行一次，重复调用返回第一次的结果
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return m.err
	}
	m.done = true
	hooks := m.sorted()
	m.mu.Unlock()

	m.logger.Info("开始优雅停机流程...")
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, h := range hooks {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", h.Name)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := h.Fn(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		m.logger.Info("优雅停机流程完成")
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	return err
}
