// internal/streaming/clock.go
package streaming

import (
	"time"
)

// Clock 可注入的时钟抽象
// 展示引擎的推进依赖真实流逝的墙钟时间而不是回调次数，
// 测试中用手动时钟驱动节拍即可精确控制
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker 渲染节拍源
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// ----------------------------------------
// 真实时钟实现
// ----------------------------------------

type realClock struct{}

// NewRealClock 创建基于 time 包的真实时钟
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}

// ----------------------------------------
// 手动时钟实现（测试用）
// ----------------------------------------

// ManualClock 由调用方显式推进的时钟
type ManualClock struct {
	now     time.Time
	tickers []*ManualTicker
}

// NewManualClock 创建手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	return c.now
}

func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	ticker := &ManualTicker{ch: make(chan time.Time, 64)}
	c.tickers = append(c.tickers, ticker)
	return ticker
}

// Advance 推进时钟并向所有节拍器发出一次节拍
func (c *ManualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	for _, ticker := range c.tickers {
		ticker.tick(c.now)
	}
}

// ManualTicker 手动驱动的节拍器
type ManualTicker struct {
	ch      chan time.Time
	stopped bool
}

func (t *ManualTicker) C() <-chan time.Time {
	return t.ch
}

func (t *ManualTicker) Stop() {
	t.stopped = true
}

func (t *ManualTicker) tick(now time.Time) {
	if t.stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}
