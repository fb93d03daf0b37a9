// Package stream 管理流式回答会话：企业微信客户端只能轮询拉取，
// 这里把模型增量产出的内容累积成"最新完整回答"，供每次轮询幂等消费。
package stream

import (
	"sync"
	"time"

	"github.com/midoclouds/wecom-assistant/internal/event"
	"github.com/midoclouds/wecom-assistant/internal/logging"
	model "github.com/midoclouds/wecom-assistant/internal/model/stream"
)

// DefaultGracePeriod 会话完成后保留的宽限期，容忍客户端的最后一次轮询。
const DefaultGracePeriod = 2 * time.Second

// doneText 任务完成但没有任何累积内容时的兜底文案。
const doneText = "处理完成"

// mailboxEntry 单槽信箱条目，总是持有最新的完整累积内容，后写覆盖先写。
type mailboxEntry struct {
	text     string
	finished bool
}

// state 注册表内一个会话的全部可变状态，统一由 Manager.mu 保护。
type state struct {
	session    model.Session
	mailbox    *mailboxEntry
	lastPollID string
}

// Manager 流式会话注册表。生产者协程写入，轮询处理器读取，
// 锁只在 map 操作期间持有，绝不跨越对模型或传输层的调用。
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*state
	grace    time.Duration
	bus      *event.Bus

	wg sync.WaitGroup
}

// Option 配置 Manager。
type Option func(*Manager)

// WithGracePeriod 覆盖默认的回收宽限期。
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithBus 接入事件总线，发布会话生命周期事件。
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// NewManager 创建流式会话管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*state),
		grace:    DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 登记一个新会话并置为 processing。同 id 重复创建时后者覆盖前者，
// 协议侧保证每条入站消息生成全新的 stream id。
func (m *Manager) Create(id, input string, corr model.Correlation) bool {
	if id == "" {
		return false
	}

	m.mu.Lock()
	m.sessions[id] = &state{
		session: model.Session{
			ID:          id,
			Input:       input,
			Correlation: corr,
			Status:      model.StatusProcessing,
			Accumulated: make([]string, 0, 16),
			CreatedAt:   time.Now().UTC(),
		},
	}
	m.mu.Unlock()

	m.publish(event.Event{Type: event.StreamCreated, StreamID: id})
	logging.Info().Str("stream_id", id).Int("input_len", len(input)).Msg("创建流式会话")
	return true
}

// Lookup 返回会话快照。
func (m *Manager) Lookup(id string) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return snapshot(st), true
}

// Remove 删除会话，重复删除或删除不存在的 id 均为空操作。
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existed {
		m.publish(event.Event{Type: event.StreamReclaimed, StreamID: id})
		logging.Debug().Str("stream_id", id).Msg("回收流式会话")
	}
}

// Append 追加一个内容分片并把最新的完整累积内容写入信箱，覆盖未读条目。
// finished 为 true 时会话迁移到 completed，此后不再接受追加。
func (m *Manager) Append(id, fragment string, finished bool) bool {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok || st.session.Finished {
		m.mu.Unlock()
		return false
	}

	if fragment != "" {
		st.session.Accumulated = append(st.session.Accumulated, fragment)
	}
	full := st.session.FullText()
	st.mailbox = &mailboxEntry{text: full, finished: finished}

	if finished {
		st.session.Status = model.StatusCompleted
		st.session.Finished = true
	}
	m.mu.Unlock()

	if finished {
		m.publish(event.Event{Type: event.StreamFinished, StreamID: id, Content: full, Finished: true})
	} else {
		m.publish(event.Event{Type: event.StreamChunk, StreamID: id, Content: fragment})
	}
	return true
}

// SetFullText 用一段完整文本替换全部累积内容并结束会话。
// 适用于一次性返回完整字符串的生成任务，例如汇总。
func (m *Manager) SetFullText(id, text string) bool {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	st.session.Accumulated = []string{text}
	st.session.Status = model.StatusCompleted
	st.session.Finished = true
	st.mailbox = &mailboxEntry{text: text, finished: true}
	m.mu.Unlock()

	m.publish(event.Event{Type: event.StreamFinished, StreamID: id, Content: text, Finished: true})
	return true
}

// Fail 标记会话失败并把错误文案投递到信箱，会话随之结束。
func (m *Manager) Fail(id, errMsg string) bool {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	st.session.Status = model.StatusFailed
	st.session.ErrMessage = errMsg
	st.session.Finished = true
	st.mailbox = &mailboxEntry{text: errMsg, finished: true}
	m.mu.Unlock()

	m.publish(event.Event{Type: event.StreamFailed, StreamID: id, Content: errMsg, Finished: true})
	logging.Warn().Str("stream_id", id).Str("error", errMsg).Msg("流式会话失败")
	return true
}

// ReadNext 非阻塞取走信箱条目；信箱为空时回退到当前累积内容，
// 保证生成期间轮询不落空、完成后轮询必然观察到 finished。
// found 为 false 表示会话不存在，调用方按"无事可做"处理。
func (m *Manager) ReadNext(id string) (text string, finished bool, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[id]
	if !ok {
		return "", true, false
	}

	if st.mailbox != nil {
		entry := st.mailbox
		st.mailbox = nil
		return entry.text, entry.finished, true
	}

	if st.session.Status == model.StatusFailed {
		return st.session.ErrMessage, true, true
	}

	if full := st.session.FullText(); full != "" {
		return full, st.session.Finished, true
	}

	if st.session.Finished {
		return doneText, true, true
	}

	// 尚无任何产出，调用方回复"思考中"占位。
	return "", false, true
}

// FullText 返回完整累积内容，与信箱状态无关。
func (m *Manager) FullText(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.sessions[id]; ok {
		return st.session.FullText()
	}
	return ""
}

// MarkPoll 重复轮询检测：同一轮询消息 id 第二次出现时返回 true，
// 调用方直接回空应答，避免消耗本该留给下一次轮询的信箱条目。
// 会话不存在时按非重复放行。
func (m *Manager) MarkPoll(id, pollMsgID string) bool {
	if pollMsgID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[id]
	if !ok {
		return false
	}

	if st.lastPollID == pollMsgID {
		return true
	}
	st.lastPollID = pollMsgID
	return false
}

// ScheduleReclaim 在宽限期后删除会话，给客户端留出最后一次轮询的窗口。
// 定时器触发时会话可能已被删除，Remove 对此幂等。
func (m *Manager) ScheduleReclaim(id string) {
	time.AfterFunc(m.grace, func() {
		m.Remove(id)
	})
}

func (m *Manager) publish(ev event.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func snapshot(st *state) model.Session {
	s := st.session
	s.Accumulated = append([]string(nil), st.session.Accumulated...)
	return s
}
