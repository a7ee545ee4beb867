// audio/controller.go
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// controller 实现进程级音频会话：单一持有者，类别在释放时恢复
type controller struct {
	mu          sync.Mutex
	owner       Owner
	category    Category
	previous    Category
	onInterrupt func(reason string)
	logger      *slog.Logger
}

// NewController 创建新的音频会话控制器实例
func NewController(logger *slog.Logger) Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &controller{
		category: CategoryAmbient,
		logger:   logger,
	}
}

func (c *controller) Acquire(owner Owner, category Category, onInterrupt func(reason string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner == OwnerNone {
		return fmt.Errorf("acquire audio session: empty owner")
	}
	if c.owner != OwnerNone {
		return fmt.Errorf("%w: held by %s", ErrSessionBusy, c.owner)
	}

	c.owner = owner
	c.previous = c.category
	c.category = category
	c.onInterrupt = onInterrupt
	c.logger.Debug("Audio session acquired",
		"owner", owner,
		"category", category)
	return nil
}

func (c *controller) Release(owner Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != owner {
		return
	}
	c.logger.Debug("Audio session released",
		"owner", owner,
		"restore", c.previous)
	c.owner = OwnerNone
	c.category = c.previous
	c.onInterrupt = nil
}

// Interrupt 通知当前持有者会话被系统打断，持有关系由持有者自行释放
func (c *controller) Interrupt(reason string) {
	c.mu.Lock()
	cb := c.onInterrupt
	owner := c.owner
	c.mu.Unlock()

	if cb == nil {
		return
	}
	c.logger.Warn("Audio session interrupted", "owner", owner, "reason", reason)
	cb(reason)
}

// DeviceLost 设备丢失时打断 owner，会话已易主时忽略
func (c *controller) DeviceLost(owner Owner, reason string) {
	c.mu.Lock()
	if c.owner != owner {
		current := c.owner
		c.mu.Unlock()
		c.logger.Debug("Ignoring device loss for stale owner",
			"owner", owner,
			"current", current,
			"reason", reason)
		return
	}
	cb := c.onInterrupt
	c.mu.Unlock()

	c.logger.Warn("Audio device lost", "owner", owner, "reason", reason)
	if cb != nil {
		cb(reason)
	}
}

func (c *controller) Owner() Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *controller) Category() Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.category
}
