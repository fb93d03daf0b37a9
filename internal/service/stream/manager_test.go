package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	model "github.com/midoclouds/wecom-assistant/internal/model/stream"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(opts...)
}

func TestCreateAndLookup(t *testing.T) {
	m := newTestManager(t)

	corr := model.Correlation{MessageID: "msg-1", ChatID: "chat-1", FromUser: "user-1"}
	if !m.Create("s1", "你好", corr) {
		t.Fatal("Create 应当成功")
	}

	session, ok := m.Lookup("s1")
	if !ok {
		t.Fatal("Lookup 应当找到会话")
	}
	if session.Status != model.StatusProcessing {
		t.Fatalf("新会话状态应为 processing，实际 %q", session.Status)
	}
	if session.Input != "你好" {
		t.Fatalf("Input 不匹配: %q", session.Input)
	}
	if session.Correlation != corr {
		t.Fatalf("Correlation 不匹配: %+v", session.Correlation)
	}
}

func TestCreateEmptyID(t *testing.T) {
	m := newTestManager(t)
	if m.Create("", "x", model.Correlation{}) {
		t.Fatal("空 id 不应创建会话")
	}
}

func TestLookupSnapshotIsolation(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "a", false)

	session, _ := m.Lookup("s1")
	session.Accumulated[0] = "污染"

	if got := m.FullText("s1"); got != "a" {
		t.Fatalf("快照修改不应影响内部状态，FullText=%q", got)
	}
}

func TestAppendAccumulatesInOrder(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	m.Append("s1", "Hi", false)
	m.Append("s1", " there", false)
	m.Append("s1", "", true)

	if got := m.FullText("s1"); got != "Hi there" {
		t.Fatalf("累积内容应按到达顺序拼接，got %q", got)
	}

	session, _ := m.Lookup("s1")
	if session.Status != model.StatusCompleted || !session.Finished {
		t.Fatalf("收尾后状态应为 completed/finished，实际 %+v", session)
	}
}

func TestAppendAfterFinishedRejected(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "done", true)

	if m.Append("s1", "late", false) {
		t.Fatal("会话结束后追加应被拒绝")
	}
	if got := m.FullText("s1"); got != "done" {
		t.Fatalf("结束后的追加不应改变内容，got %q", got)
	}
}

func TestMailboxCoalescesToLatest(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	// 两次追加之间没有轮询，后写覆盖先写，读到的是累积后的最新全文。
	m.Append("s1", "Hi", false)
	m.Append("s1", " there", false)

	text, finished, found := m.ReadNext("s1")
	if !found || finished {
		t.Fatalf("生成中读取: found=%v finished=%v", found, finished)
	}
	if text != "Hi there" {
		t.Fatalf("信箱应持有最新全文，got %q", text)
	}
}

func TestReadNextFallbackToAccumulated(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "部分内容", false)

	// 第一次读取取走信箱条目。
	if text, _, _ := m.ReadNext("s1"); text != "部分内容" {
		t.Fatalf("首次读取 got %q", text)
	}
	// 信箱已空，回退到当前累积内容而不是落空。
	text, finished, found := m.ReadNext("s1")
	if !found || finished || text != "部分内容" {
		t.Fatalf("回退读取: text=%q finished=%v found=%v", text, finished, found)
	}
}

func TestReadNextBeforeAnyOutput(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	text, finished, found := m.ReadNext("s1")
	if !found || finished || text != "" {
		t.Fatalf("无产出时应返回空占位: text=%q finished=%v found=%v", text, finished, found)
	}
}

func TestReadNextUnknownSession(t *testing.T) {
	m := newTestManager(t)

	text, finished, found := m.ReadNext("ghost")
	if found {
		t.Fatal("未知会话 found 应为 false")
	}
	if !finished || text != "" {
		t.Fatalf("未知会话应视为已完结: text=%q finished=%v", text, finished)
	}
}

func TestReadNextFinishedWithoutContent(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "", true)

	// 取走收尾条目后继续轮询，应读到兜底文案而不是空串。
	m.ReadNext("s1")
	text, finished, _ := m.ReadNext("s1")
	if !finished || text != doneText {
		t.Fatalf("无内容完结会话应返回兜底文案: text=%q finished=%v", text, finished)
	}
}

func TestSetFullTextReplacesAccumulated(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "草稿", false)

	if !m.SetFullText("s1", "最终汇总") {
		t.Fatal("SetFullText 应当成功")
	}
	if got := m.FullText("s1"); got != "最终汇总" {
		t.Fatalf("全文应被整体替换，got %q", got)
	}

	text, finished, _ := m.ReadNext("s1")
	if !finished || text != "最终汇总" {
		t.Fatalf("信箱应持有最终文本: text=%q finished=%v", text, finished)
	}
}

func TestFailDeliversErrorText(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "部分", false)
	m.ReadNext("s1")

	m.Fail("s1", GenericFailureText())

	session, _ := m.Lookup("s1")
	if session.Status != model.StatusFailed {
		t.Fatalf("状态应为 failed，实际 %q", session.Status)
	}

	// 信箱条目与空信箱回退都必须给出错误文案。
	for i := 0; i < 2; i++ {
		text, finished, found := m.ReadNext("s1")
		if !found || !finished || text != GenericFailureText() {
			t.Fatalf("第 %d 次读取: text=%q finished=%v found=%v", i+1, text, finished, found)
		}
	}
}

func TestMarkPollDetectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	if m.MarkPoll("s1", "poll-1") {
		t.Fatal("首次轮询不应判定为重复")
	}
	if !m.MarkPoll("s1", "poll-1") {
		t.Fatal("相同轮询 id 第二次应判定为重复")
	}
	if m.MarkPoll("s1", "poll-2") {
		t.Fatal("新轮询 id 不应判定为重复")
	}
	// 旧 id 再次出现时已被 poll-2 覆盖，按非重复放行。
	if m.MarkPoll("s1", "poll-1") {
		t.Fatal("被覆盖的旧轮询 id 不应再判定为重复")
	}
}

func TestMarkPollFailOpen(t *testing.T) {
	m := newTestManager(t)

	if m.MarkPoll("ghost", "poll-1") {
		t.Fatal("未知会话应放行")
	}

	m.Create("s1", "q", model.Correlation{})
	if m.MarkPoll("s1", "") {
		t.Fatal("空轮询 id 应放行")
	}
}

func TestDuplicatePollPreservesMailbox(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "answer", true)

	// 重复轮询被挡下，不消费信箱。
	m.MarkPoll("s1", "poll-1")
	if !m.MarkPoll("s1", "poll-1") {
		t.Fatal("应判定为重复")
	}

	text, finished, _ := m.ReadNext("s1")
	if !finished || text != "answer" {
		t.Fatalf("信箱条目应保留给下一次真实轮询: text=%q finished=%v", text, finished)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	m.Remove("s1")
	m.Remove("s1")
	m.Remove("ghost")

	if _, ok := m.Lookup("s1"); ok {
		t.Fatal("删除后不应再找到会话")
	}
}

func TestScheduleReclaim(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(20*time.Millisecond))
	m.Create("s1", "q", model.Correlation{})
	m.Append("s1", "done", true)

	m.ScheduleReclaim("s1")

	// 宽限期内仍可轮询到最终内容。
	if _, _, found := m.ReadNext("s1"); !found {
		t.Fatal("宽限期内会话应仍然可见")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := m.Lookup("s1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("宽限期后会话应被回收")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 回收后的轮询视为良性空应答。
	if _, _, found := m.ReadNext("s1"); found {
		t.Fatal("回收后的会话不应再被找到")
	}
}

func TestLaunchProducerError(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	m.Launch(context.Background(), "s1", func(ctx context.Context) error {
		return errors.New("模型调用失败")
	})
	waitShutdown(t, m)

	session, _ := m.Lookup("s1")
	if session.Status != model.StatusFailed {
		t.Fatalf("生成出错后状态应为 failed，实际 %q", session.Status)
	}
	text, finished, _ := m.ReadNext("s1")
	if !finished || text != GenericFailureText() {
		t.Fatalf("应读到通用失败文案: text=%q finished=%v", text, finished)
	}
}

func TestLaunchProducerPanic(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	m.Launch(context.Background(), "s1", func(ctx context.Context) error {
		panic("boom")
	})
	waitShutdown(t, m)

	session, _ := m.Lookup("s1")
	if session.Status != model.StatusFailed {
		t.Fatalf("panic 后状态应为 failed，实际 %q", session.Status)
	}
}

func TestLaunchAutoFinish(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	// 生产者忘了收尾，监督逻辑补上终止分片。
	m.Launch(context.Background(), "s1", func(ctx context.Context) error {
		m.Append("s1", "只有内容没有收尾", false)
		return nil
	})
	waitShutdown(t, m)

	session, _ := m.Lookup("s1")
	if !session.Finished || session.Status != model.StatusCompleted {
		t.Fatalf("会话应被补齐收尾，实际 %+v", session)
	}
	if got := m.FullText("s1"); got != "只有内容没有收尾" {
		t.Fatalf("补齐收尾不应改变内容，got %q", got)
	}
}

func TestShutdownTimeout(t *testing.T) {
	m := newTestManager(t)
	m.Create("s1", "q", model.Correlation{})

	release := make(chan struct{})
	m.Launch(context.Background(), "s1", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); err == nil {
		t.Fatal("任务未结束时 Shutdown 应超时")
	}

	close(release)
	waitShutdown(t, m)
}

func waitShutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("等待生成任务结束: %v", err)
	}
}
