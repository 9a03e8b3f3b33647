// internal/streaming/reveal.go
package streaming

import (
	"sync"
	"time"

	"github.com/novix-app/novix-engine/internal/models"
)

// 模拟流式展示的速率参数
const (
	// MinRevealRate 每秒最少展示的字符数
	MinRevealRate = 180.0
	// MaxRevealRate 每秒最多展示的字符数
	MaxRevealRate = 420.0
	// 目标展示时长（秒），实际速率据此计算后夹在 [Min, Max] 区间内
	targetRevealSeconds = 3.0
	// 首帧立即展示约 3% 的文本，最少 12 个字符
	burstPercent  = 3
	burstMinChars = 12
)

// DefaultFrameInterval 默认渲染节拍
const DefaultFrameInterval = 33 * time.Millisecond

type revealMode int

const (
	modeNone revealMode = iota
	modePush
	modeSimulated
)

// Update 一次可见状态刷新
type Update struct {
	Chapter  models.ChapterKey
	Text     string // 当前可见全文
	Progress int
	Current  int
	Total    int
	Done     bool
}

// Reveal 单个章节的流式展示引擎
//
// 两条投递路径共享同一个契约：单调增长的文本缓冲 + [0,100] 的单调进度。
// 推送路径把异步到达的片段累积起来，每个渲染节拍最多刷新一次可见状态；
// 模拟路径用于已拿到完整文本但仍需"看起来在流式输出"的场景，
// 按两次节拍间实际流逝的墙钟时间推进，完成时长与宿主节拍率无关。
type Reveal struct {
	chapter  models.ChapterKey
	clock    Clock
	frame    time.Duration
	onUpdate func(Update)

	mu       sync.Mutex
	mode     revealMode
	active   bool
	finished bool

	// 推送路径
	visible string
	pending string
	total   int // 已知的目标总字符数，未知时为 0

	// 模拟路径
	runes       []rune
	current     int
	rate        float64
	lastAdvance time.Time

	ticker Ticker
	stop   chan struct{}
}

// NewReveal 创建章节展示引擎
// frame <= 0 时不启动内部节拍协程，由调用方直接调用 Tick 驱动（测试用）
func NewReveal(chapter models.ChapterKey, clock Clock, frame time.Duration, onUpdate func(Update)) *Reveal {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Reveal{
		chapter:  chapter,
		clock:    clock,
		frame:    frame,
		onUpdate: onUpdate,
	}
}

// StartPush 进入推送路径
// totalHint 为预期总字符数，未知时传 0（进度将在结束时一次跳到 100）
func (r *Reveal) StartPush(totalHint int) {
	r.mu.Lock()
	r.cancelLocked()
	r.mode = modePush
	r.active = true
	r.finished = false
	r.visible = ""
	r.pending = ""
	r.total = totalHint
	r.mu.Unlock()

	r.startTicker()
}

// AppendFragment 向累积缓冲追加一个内容片段
// 片段按到达顺序单调追加，可见状态等到下一个渲染节拍统一刷新
func (r *Reveal) AppendFragment(fragment string) {
	r.mu.Lock()
	if r.mode == modePush && r.active {
		r.pending += fragment
	}
	r.mu.Unlock()
}

// FinishPush 结束推送路径
// fullText 非空时以它做最终全文赋值（不依赖最后一次增量），消除舍入截断
func (r *Reveal) FinishPush(fullText string) {
	r.mu.Lock()
	if r.mode != modePush || r.finished {
		r.mu.Unlock()
		return
	}
	if fullText == "" {
		fullText = r.visible + r.pending
	}
	r.visible = fullText
	r.pending = ""
	update := r.finishLocked()
	r.mu.Unlock()

	r.emit(update)
}

// StartSimulated 进入模拟路径，从完整文本生成渐进展示
// 首帧立即展示约 3%（最少 12 字符），之后按墙钟时间以
// [180, 420] 字符/秒的速率推进
func (r *Reveal) StartSimulated(fullText string) {
	r.mu.Lock()
	r.cancelLocked()

	runes := []rune(fullText)
	total := len(runes)

	r.mode = modeSimulated
	r.active = true
	r.finished = false
	r.runes = runes
	r.total = total
	r.lastAdvance = r.clock.Now()

	// 速率按目标时长计算后夹在区间内
	rate := float64(total) / targetRevealSeconds
	if rate < MinRevealRate {
		rate = MinRevealRate
	}
	if rate > MaxRevealRate {
		rate = MaxRevealRate
	}
	r.rate = rate

	// 首帧爆发
	burst := total * burstPercent / 100
	if burst < burstMinChars {
		burst = burstMinChars
	}
	if burst > total {
		burst = total
	}
	r.current = burst
	r.visible = string(runes[:burst])

	var update Update
	done := burst >= total
	if done {
		update = r.finishLocked()
	} else {
		update = r.snapshotLocked(false)
	}
	r.mu.Unlock()

	r.emit(update)
	if !done {
		r.startTicker()
	}
}

// Tick 处理一次渲染节拍
// 推送路径把本节拍内累积的所有片段合并成一次刷新；
// 模拟路径按距上次推进的实际流逝时间计算本次展示的字符数
func (r *Reveal) Tick(now time.Time) {
	r.mu.Lock()
	if !r.active || r.finished {
		r.mu.Unlock()
		return
	}

	var update Update
	emit := false

	switch r.mode {
	case modePush:
		if r.pending != "" {
			r.visible += r.pending
			r.pending = ""
			update = r.snapshotLocked(false)
			emit = true
		}

	case modeSimulated:
		elapsed := now.Sub(r.lastAdvance)
		if elapsed <= 0 {
			break
		}
		advance := int(r.rate * elapsed.Seconds())
		if advance < 1 {
			// 不足一个字符时不前进也不重置计时，让流逝时间继续累积
			break
		}
		r.lastAdvance = now
		r.current += advance
		if r.current >= r.total {
			// 最终做一次全文赋值，不依赖最后一步增量
			r.current = r.total
			r.visible = string(r.runes)
			update = r.finishLocked()
		} else {
			r.visible = string(r.runes[:r.current])
			update = r.snapshotLocked(false)
		}
		emit = true
	}
	r.mu.Unlock()

	if emit {
		r.emit(update)
	}
}

// Cancel 取消展示，清除待处理的节拍与缓冲
// 新的生成开始或会话重置时必须调用；可重复调用
func (r *Reveal) Cancel() {
	r.mu.Lock()
	r.cancelLocked()
	r.mu.Unlock()
}

// State 返回当前流式状态快照
func (r *Reveal) State() models.StreamingState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return models.StreamingState{
		Active:   r.active,
		Progress: r.progressLocked(),
		Current:  r.currentLocked(),
		Total:    r.total,
	}
}

// Visible 返回当前可见文本
func (r *Reveal) Visible() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// ----------------------------------------
// 内部方法
// ----------------------------------------

func (r *Reveal) startTicker() {
	if r.frame <= 0 {
		return
	}

	r.mu.Lock()
	ticker := r.clock.NewTicker(r.frame)
	stop := make(chan struct{})
	r.ticker = ticker
	r.stop = stop
	r.mu.Unlock()

	go func() {
		for {
			select {
			case now := <-ticker.C():
				r.Tick(now)
			case <-stop:
				return
			}
		}
	}()
}

func (r *Reveal) cancelLocked() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.active = false
	r.pending = ""
	r.mode = modeNone
}

// finishLocked 标记完成并返回最终刷新；完成有且只有一次
func (r *Reveal) finishLocked() Update {
	r.finished = true
	r.active = false
	r.current = r.total
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}

	if r.mode == modePush {
		// 推送路径以最终全文为准
		r.total = len([]rune(r.visible))
		r.current = r.total
	}

	return Update{
		Chapter:  r.chapter,
		Text:     r.visible,
		Progress: 100,
		Current:  r.currentLocked(),
		Total:    r.total,
		Done:     true,
	}
}

func (r *Reveal) snapshotLocked(done bool) Update {
	return Update{
		Chapter:  r.chapter,
		Text:     r.visible,
		Progress: r.progressLocked(),
		Current:  r.currentLocked(),
		Total:    r.total,
		Done:     done,
	}
}

func (r *Reveal) currentLocked() int {
	if r.mode == modeSimulated {
		return r.current
	}
	return len([]rune(r.visible))
}

func (r *Reveal) progressLocked() int {
	if r.finished {
		return 100
	}
	if r.total <= 0 {
		return 0
	}
	progress := r.currentLocked() * 100 / r.total
	if progress > 99 {
		// 100 只在真正完成时出现
		progress = 99
	}
	return progress
}

func (r *Reveal) emit(update Update) {
	if r.onUpdate != nil {
		r.onUpdate(update)
	}
}
