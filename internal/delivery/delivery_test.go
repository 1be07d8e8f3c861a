package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/inbox"
	"github.com/taoyao-code/iot-router/internal/storage/memory"
	"github.com/taoyao-code/iot-router/internal/storage/models"
	redisstorage "github.com/taoyao-code/iot-router/internal/storage/redis"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memQueue 内存队列：同优先级按到期时间，优先级小者优先
type memQueue struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]*memItem
}

type memItem struct {
	task     coremodel.DeliveryTask
	due      time.Time
	inflight time.Time
}

func newMemQueue(now func() time.Time) *memQueue {
	return &memQueue{now: now, items: map[string]*memItem{}}
}

func (q *memQueue) Enqueue(_ context.Context, task coremodel.DeliveryTask, due time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[task.ID]; ok {
		return false, nil
	}
	q.items[task.ID] = &memItem{task: task, due: due}
	return true, nil
}

func (q *memQueue) Dequeue(_ context.Context, visibility time.Duration) (*coremodel.DeliveryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var ready []*memItem
	for _, it := range q.items {
		if it.due.After(now) || it.inflight.After(now) {
			continue
		}
		ready = append(ready, it)
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].task.Priority != ready[j].task.Priority {
			return ready[i].task.Priority < ready[j].task.Priority
		}
		return ready[i].due.Before(ready[j].due)
	})
	it := ready[0]
	it.inflight = now.Add(visibility)
	task := it.task
	return &task, nil
}

func (q *memQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
	return nil
}

func (q *memQueue) Reschedule(_ context.Context, task coremodel.DeliveryTask, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[task.ID] = &memItem{task: task, due: due}
	return nil
}

func (q *memQueue) Stats(context.Context) (coremodel.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := coremodel.QueueStats{Ready: map[int]int64{}}
	for _, it := range q.items {
		st.Ready[it.task.Priority]++
	}
	return st, nil
}

func (q *memQueue) Ping(context.Context) error { return nil }

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue) due(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return time.Time{}, false
	}
	return it.due, true
}

type fixture struct {
	store  *memory.Store
	clock  *fakeClock
	inbox  *inbox.Manager
	source *models.Device
	group  *models.Group
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	store := memory.New()
	store.SetClock(clock.now)
	g := store.MustGroup(t, "ops", coremodel.GroupPrivate, nil)
	src := store.MustDevice(t, "SRC-1", g.ID, memory.WithNID("0x10"))
	return &fixture{
		store:  store,
		clock:  clock,
		inbox:  inbox.New(store, zap.NewNop(), inbox.WithClock(clock.now)),
		source: src,
		group:  g,
	}
}

// pendingTask 为 target 创建一条 pending 条目并返回对应任务
func (f *fixture) pendingTask(t *testing.T, target *models.Device, class coremodel.MessageClass, subtype string) (*models.InboxEntry, coremodel.DeliveryTask) {
	t.Helper()
	msg := f.store.MustMessage(t, f.source.ID, class, subtype, "0x10")
	entry, created, err := f.inbox.CreatePending(context.Background(), target.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, created)
	return entry, coremodel.NewDeliveryTask(entry.ID, target.ID, msg.Class, msg.Envelope(f.source.HID), f.clock.now())
}

func (f *fixture) status(t *testing.T, entryID int64) coremodel.InboxStatus {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), entryID)
	require.NoError(t, err)
	return e.Status
}

func testConfig() cfgpkg.DeliveryConfig {
	return cfgpkg.DeliveryConfig{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		HTTPTimeout:       2 * time.Second,
		BackoffUnit:       time.Second,
		VisibilityTimeout: time.Minute,
		InfraRetryDelay:   time.Minute,
	}
}

func newScheduler(f *fixture, q Queue, sender *Sender) *Scheduler {
	s := NewScheduler(q, f.store, f.inbox, sender, testConfig(), zap.NewNop(), nil)
	s.SetClock(f.clock.now)
	return s
}

func counterServer(t *testing.T, code int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestScheduler_ServerErrorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv, hits := counterServer(t, http.StatusInternalServerError)
	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL+"/hook", 3))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)

	q := newMemQueue(f.clock.now)
	_, err := q.Enqueue(ctx, task, f.clock.now())
	require.NoError(t, err)
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	// 第 1 次失败后 2s 重试
	handled, err := s.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, handled)
	due, ok := q.due(task.ID)
	require.True(t, ok)
	assert.Equal(t, f.clock.now().Add(2*time.Second), due)

	// 未到期不可取
	f.clock.advance(time.Second)
	handled, err = s.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, handled)

	// 第 2 次失败后 4s 重试
	f.clock.advance(time.Second)
	_, err = s.ProcessOne(ctx)
	require.NoError(t, err)
	due, ok = q.due(task.ID)
	require.True(t, ok)
	assert.Equal(t, f.clock.now().Add(4*time.Second), due)
	assert.Equal(t, coremodel.InboxPending, f.status(t, entry.ID))

	f.clock.advance(4 * time.Second)
	_, err = s.ProcessOne(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.clock.advance(time.Hour)
		_, err = s.ProcessOne(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, coremodel.InboxFailed, f.status(t, entry.ID))
	assert.Equal(t, 0, q.len())

	got, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.DeliveryAttempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "500")
}

func TestScheduler_SuccessMarksDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var received coremodel.WebhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 3))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlarm, coremodel.AlarmPA)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(ctx, task, f.clock.now())
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	handled, err := s.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	got, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, coremodel.InboxDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.Equal(t, 0, q.len())

	assert.Equal(t, task.Envelope.MessageID, received.MessageID)
	assert.Equal(t, coremodel.ClassAlarm, received.Type)
	require.NotNil(t, received.AlarmType)
	assert.Equal(t, coremodel.AlarmPA, *received.AlarmType)
	assert.Nil(t, received.AlertType)
	assert.Equal(t, "SRC-1", received.SourceDeviceHID)
	assert.JSONEq(t, `{"k":"v"}`, string(received.Payload))
}

func TestScheduler_AcknowledgedEntryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv, hits := counterServer(t, http.StatusOK)
	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 3))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertPanic)

	_, err := f.inbox.Acknowledge(ctx, target.ID, entry.ID)
	require.NoError(t, err)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(ctx, task, f.clock.now())
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	handled, err := s.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, coremodel.InboxAcknowledged, f.status(t, entry.ID))
	assert.Equal(t, 0, q.len())
}

func TestScheduler_TimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 1))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(ctx, task, f.clock.now())
	s := newScheduler(f, q, NewSender(50*time.Millisecond, zap.NewNop()))

	_, err := s.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, coremodel.InboxFailed, f.status(t, entry.ID))
	assert.Equal(t, 0, q.len())
}

func TestScheduler_ZeroRetryLimitMakesOneAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv, hits := counterServer(t, http.StatusBadGateway)
	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 0))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(ctx, task, f.clock.now())
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	_, err := s.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, coremodel.InboxFailed, f.status(t, entry.ID))
}

func TestScheduler_InfraErrorDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv, hits := counterServer(t, http.StatusOK)
	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 3))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(ctx, task, f.clock.now())
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	f.store.SetFailure(func(op string) error {
		if op == "get_entry" {
			return assert.AnError
		}
		return nil
	})
	_, err := s.ProcessOne(ctx)
	require.NoError(t, err)
	due, ok := q.due(task.ID)
	require.True(t, ok)
	assert.Equal(t, f.clock.now().Add(time.Minute), due)
	assert.Equal(t, int32(0), hits.Load())

	f.store.SetFailure(nil)
	f.clock.advance(time.Minute)
	_, err = s.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, coremodel.InboxDelivered, got.Status)
	assert.Equal(t, 0, got.DeliveryAttempts)
}

func TestScheduler_AlarmBeforeAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env coremodel.WebhookEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		order = append(order, string(env.Type))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 3))
	_, alert := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)
	_, alarm := f.pendingTask(t, target, coremodel.ClassAlarm, coremodel.AlarmService)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(ctx, alert, f.clock.now())
	_, _ = q.Enqueue(ctx, alarm, f.clock.now())
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	for i := 0; i < 2; i++ {
		_, err := s.ProcessOne(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alarm", "alert"}, order)
}

func TestScheduler_RedisQueueEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv, hits := counterServer(t, http.StatusServiceUnavailable)
	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 3))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := redisstorage.NewDeliveryQueue(redisstorage.Wrap(rdb))
	q.SetClock(f.clock.now)

	_, err := q.Enqueue(ctx, task, f.clock.now())
	require.NoError(t, err)
	s := newScheduler(f, q, NewSender(time.Second, zap.NewNop()))

	for i := 0; i < 6; i++ {
		_, err := s.ProcessOne(ctx)
		require.NoError(t, err)
		f.clock.advance(time.Hour)
	}

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, coremodel.InboxFailed, f.status(t, entry.ID))
	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Total())
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	srv, hits := counterServer(t, http.StatusOK)
	target := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook(srv.URL, 3))
	entry, task := f.pendingTask(t, target, coremodel.ClassAlert, coremodel.AlertSensor)

	q := newMemQueue(f.clock.now)
	_, _ = q.Enqueue(context.Background(), task, f.clock.now())

	cfg := testConfig()
	cfg.Workers = 2
	s := NewScheduler(q, f.store, f.inbox, NewSender(time.Second, zap.NewNop()), cfg, zap.NewNop(), nil)
	s.SetClock(f.clock.now)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return q.len() == 0 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, coremodel.InboxDelivered, f.status(t, entry.ID))
}

func TestReconciler_ReenqueuesStalePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hooked := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook("http://example.invalid/hook", 3))
	polled := f.store.MustDevice(t, "DST-2", f.group.ID)

	entry, _ := f.pendingTask(t, hooked, coremodel.ClassAlarm, coremodel.AlarmPM)
	_, _ = f.pendingTask(t, polled, coremodel.ClassAlert, coremodel.AlertSensor)

	q := newMemQueue(f.clock.now)
	r := NewReconciler(f.store, q, time.Minute, 10*time.Minute, zap.NewNop(), nil)
	r.SetClock(f.clock.now)

	// 未超过 age 不补投
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.advance(11 * time.Minute)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 已在队列中，去重
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	task, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, strconv.FormatInt(entry.ID, 10), task.ID)
	assert.Equal(t, coremodel.PriorityAlarm, task.Priority)
	assert.Equal(t, "SRC-1", task.Envelope.SourceDeviceHID)
}

func TestReconciler_PagesPastQueuedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hooked := f.store.MustDevice(t, "DST-1", f.group.ID, memory.WithWebhook("http://example.invalid/hook", 3))

	q := newMemQueue(f.clock.now)
	var tasks []coremodel.DeliveryTask
	for i := 0; i < 5; i++ {
		_, task := f.pendingTask(t, hooked, coremodel.ClassAlert, coremodel.AlertSensor)
		tasks = append(tasks, task)
	}
	// 最早的两条仍在长退避中
	for _, task := range tasks[:2] {
		_, err := q.Enqueue(ctx, task, f.clock.now().Add(time.Hour))
		require.NoError(t, err)
	}

	r := NewReconciler(f.store, q, time.Minute, 10*time.Minute, zap.NewNop(), nil)
	r.SetClock(f.clock.now)
	r.SetBatchSize(2)
	f.clock.advance(11 * time.Minute)

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 5, q.len())

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBackoff(t *testing.T) {
	s := NewScheduler(newMemQueue(time.Now), nil, nil, nil, cfgpkg.DeliveryConfig{BackoffUnit: 500 * time.Millisecond}, nil, nil)
	assert.Equal(t, time.Second, s.Backoff(1))
	assert.Equal(t, 2*time.Second, s.Backoff(2))
	assert.Equal(t, 4*time.Second, s.Backoff(3))
	assert.Equal(t, time.Second, s.Backoff(0))
	assert.Equal(t, 500*time.Millisecond<<maxBackoffShift, s.Backoff(100))
}
