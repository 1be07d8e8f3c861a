package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/inbox"
	"github.com/taoyao-code/iot-router/internal/storage/memory"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []coremodel.DeliveryTask
	seen  map[string]bool
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task coremodel.DeliveryTask, _ time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	if q.seen[task.ID] {
		return false, nil
	}
	q.seen[task.ID] = true
	q.tasks = append(q.tasks, task)
	return true, nil
}

type env struct {
	store *memory.Store
	queue *recordingQueue
	orch  *Orchestrator
}

func newEnv() *env {
	store := memory.New()
	q := &recordingQueue{}
	mgr := inbox.New(store, zap.NewNop())
	return &env{store: store, queue: q, orch: NewOrchestrator(store, NewResolver(nil), mgr, q, zap.NewNop(), nil)}
}

func (e *env) route(t *testing.T, msg *models.Message) RoutingResult {
	t.Helper()
	res, err := e.orch.Route(context.Background(), msg.ID)
	require.NoError(t, err)
	return res
}

func (e *env) targets(t *testing.T, msg *models.Message) []int64 {
	t.Helper()
	var ids []int64
	for _, hid := range e.route(t, msg).TargetHIDs {
		d, err := e.store.GetDeviceByHID(context.Background(), hid)
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	return ids
}

func km(v float64) *float64 { return &v }

// 纬度方向 1km 约 0.008993 度
const degPerKm = 1 / 111.19508

func TestScenario_PrivateGroupNID(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
	a1 := e.store.MustDevice(t, "A1-DEV", g.ID, memory.WithNID("A1"))
	e.store.MustDevice(t, "B2-DEV", g.ID, memory.WithNID("B2"))
	msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

	assert.Equal(t, []int64{a1.ID}, e.targets(t, msg))
}

func TestScenario_OpenGroupDistance(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "open", coremodel.GroupOpen, km(5))
	src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0))
	near := e.store.MustDevice(t, "NEAR", g.ID, memory.At(3*degPerKm, 0))
	e.store.MustDevice(t, "FAR", g.ID, memory.At(8*degPerKm, 0))
	e.store.MustDevice(t, "NOLOC", g.ID)
	msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertPanic, "")

	assert.Equal(t, []int64{near.ID}, e.targets(t, msg))
}

func TestScenario_EnhancedGroupNIDAndDistance(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "enhanced", coremodel.GroupEnhanced, km(10))
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("0x10"), memory.At(0, 0))
	e.store.MustDevice(t, "FAR", g.ID, memory.WithNID("16"), memory.At(20*degPerKm, 0))
	near := e.store.MustDevice(t, "NEAR", g.ID, memory.WithNID("0x10"), memory.At(2*degPerKm, 0))
	e.store.MustDevice(t, "NEAR-OTHER-NID", g.ID, memory.WithNID("0x11"), memory.At(1*degPerKm, 0))
	msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlarm, coremodel.AlarmPA, "0x10")

	assert.Equal(t, []int64{near.ID}, e.targets(t, msg))
}

func TestSelfExclusion(t *testing.T) {
	for _, typ := range coremodel.AllGroupTypes() {
		t.Run(string(typ), func(t *testing.T) {
			e := newEnv()
			g := e.store.MustGroup(t, "g", typ, km(50))
			// 来源满足所有过滤条件
			src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"), memory.At(0, 0))
			peer := e.store.MustDevice(t, "PEER", g.ID, memory.WithNID("A1"), memory.At(0, 0))
			msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

			ids := e.targets(t, msg)
			assert.NotContains(t, ids, src.ID)
			assert.Equal(t, []int64{peer.ID}, ids)
		})
	}
}

func TestGroupGating(t *testing.T) {
	t.Run("usesNID=false 时消息 NID 不影响结果", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, km(5))
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0))
		e.store.MustDevice(t, "X", g.ID, memory.WithNID("A1"), memory.At(0, 0))
		e.store.MustDevice(t, "Y", g.ID, memory.WithNID("B2"), memory.At(0, 0))

		var sets [][]int64
		for _, nid := range []string{"", "A1", "B2", "0xFFFFFFFF"} {
			msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, nid)
			sets = append(sets, e.targets(t, msg))
		}
		for _, s := range sets[1:] {
			assert.Equal(t, sets[0], s)
		}
		assert.Len(t, sets[0], 2)
	})

	t.Run("usesNID=true 时不匹配且非广播的候选被排除", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "excl", coremodel.GroupExclusive, nil)
		src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
		e.store.MustDevice(t, "MISMATCH", g.ID, memory.WithNID("C3"))
		e.store.MustDevice(t, "NONID", g.ID)
		bc := e.store.MustDevice(t, "BROADCAST", g.ID, memory.WithNID("4294967295"))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

		assert.Equal(t, []int64{bc.ID}, e.targets(t, msg))
	})

	t.Run("消息无 NID 时 fail closed", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "dl", coremodel.GroupDataLogging, nil)
		src := e.store.MustDevice(t, "SRC", g.ID)
		e.store.MustDevice(t, "BROADCAST", g.ID, memory.WithNID("0xffffffff"))
		e.store.MustDevice(t, "PLAIN", g.ID, memory.WithNID("A1"))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "")

		res := e.route(t, msg)
		assert.Equal(t, 0, res.TargetCount)
	})

	t.Run("两项都不启用时放行全部成员（除自身与未激活设备）", func(t *testing.T) {
		orig := capabilitiesOf
		capabilitiesOf = func(coremodel.GroupType) coremodel.Capabilities { return coremodel.Capabilities{} }
		t.Cleanup(func() { capabilitiesOf = orig })

		e := newEnv()
		g := e.store.MustGroup(t, "plain", coremodel.GroupPrivate, nil)
		src := e.store.MustDevice(t, "SRC", g.ID)
		a := e.store.MustDevice(t, "A", g.ID, memory.WithNID("X"))
		b := e.store.MustDevice(t, "B", g.ID)
		e.store.MustDevice(t, "OFF", g.ID, memory.Inactive())
		other := e.store.MustGroup(t, "other", coremodel.GroupPrivate, nil)
		e.store.MustDevice(t, "ELSEWHERE", other.ID)
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "")

		assert.Equal(t, []int64{a.ID, b.ID}, e.targets(t, msg))
	})
}

func TestDistanceFailClosed(t *testing.T) {
	t.Run("来源无坐标", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "loc", coremodel.GroupLocation, km(100))
		src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
		e.store.MustDevice(t, "A", g.ID, memory.WithNID("A1"), memory.At(0, 0))
		e.store.MustDevice(t, "B", g.ID, memory.WithNID("0xFFFFFFFF"), memory.At(0.001, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

		assert.Equal(t, 0, e.route(t, msg).TargetCount)
	})

	t.Run("群组未配置半径", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, nil)
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0))
		e.store.MustDevice(t, "A", g.ID, memory.At(0, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "")

		assert.Equal(t, 0, e.route(t, msg).TargetCount)
	})
}

func TestOwnerRadius(t *testing.T) {
	t.Run("所有者半径覆盖群组半径", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, km(10))
		owner := e.store.MustOwner(t, "acme", km(2))
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0), memory.OwnedBy(owner.ID))
		near := e.store.MustDevice(t, "NEAR", g.ID, memory.At(1*degPerKm, 0))
		e.store.MustDevice(t, "MID", g.ID, memory.At(5*degPerKm, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertPanic, "")

		assert.Equal(t, []int64{near.ID}, e.targets(t, msg))
	})

	t.Run("所有者半径也可放大范围", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, km(2))
		owner := e.store.MustOwner(t, "acme", km(10))
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0), memory.OwnedBy(owner.ID))
		mid := e.store.MustDevice(t, "MID", g.ID, memory.At(5*degPerKm, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertPanic, "")

		assert.Equal(t, []int64{mid.ID}, e.targets(t, msg))
	})

	t.Run("所有者未配置半径沿用群组半径", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, km(10))
		owner := e.store.MustOwner(t, "acme", nil)
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0), memory.OwnedBy(owner.ID))
		mid := e.store.MustDevice(t, "MID", g.ID, memory.At(5*degPerKm, 0))
		e.store.MustDevice(t, "FAR", g.ID, memory.At(20*degPerKm, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertPanic, "")

		assert.Equal(t, []int64{mid.ID}, e.targets(t, msg))
	})

	t.Run("群组无半径时所有者半径仍可路由", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, nil)
		owner := e.store.MustOwner(t, "acme", km(3))
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0), memory.OwnedBy(owner.ID))
		near := e.store.MustDevice(t, "NEAR", g.ID, memory.At(1*degPerKm, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertPanic, "")

		assert.Equal(t, []int64{near.ID}, e.targets(t, msg))
	})

	t.Run("所有者查询失败", func(t *testing.T) {
		e := newEnv()
		g := e.store.MustGroup(t, "open", coremodel.GroupOpen, km(10))
		owner := e.store.MustOwner(t, "acme", km(2))
		src := e.store.MustDevice(t, "SRC", g.ID, memory.At(0, 0), memory.OwnedBy(owner.ID))
		e.store.MustDevice(t, "NEAR", g.ID, memory.At(1*degPerKm, 0))
		msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertPanic, "")
		e.store.SetFailure(func(op string) error {
			if op == "get_owner" {
				return errors.New("connection reset")
			}
			return nil
		})

		_, err := e.orch.Route(context.Background(), msg.ID)
		assert.ErrorIs(t, err, coremodel.ErrInfrastructure)
		assert.Equal(t, 0, e.store.EntryCount())
	})
}

func TestRoute_Idempotent(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
	e.store.MustDevice(t, "A", g.ID, memory.WithNID("A1"), memory.WithWebhook("http://a.example/hook", 3))
	e.store.MustDevice(t, "B", g.ID, memory.WithNID("A1"))
	msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

	first := e.route(t, msg)
	assert.Equal(t, 2, first.TargetCount)
	assert.Len(t, first.EntryIDs, 2)
	assert.Equal(t, 1, first.Enqueued)

	second := e.route(t, msg)
	assert.Equal(t, 2, second.TargetCount)
	assert.Empty(t, second.EntryIDs)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, second.Enqueued)

	assert.Equal(t, 2, e.store.EntryCount())
	assert.Len(t, e.queue.tasks, 1)
}

func TestRoute_EnqueuePriorityAndEnvelope(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
	dst := e.store.MustDevice(t, "DST", g.ID, memory.WithNID("A1"), memory.WithWebhook("http://d.example/hook", 3))

	alert := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertDistress, "A1")
	alarm := e.store.MustMessage(t, src.ID, coremodel.ClassAlarm, coremodel.AlarmService, "A1")
	e.route(t, alert)
	e.route(t, alarm)

	require.Len(t, e.queue.tasks, 2)
	alertTask, alarmTask := e.queue.tasks[0], e.queue.tasks[1]
	assert.Equal(t, coremodel.PriorityAlert, alertTask.Priority)
	assert.Equal(t, coremodel.PriorityAlarm, alarmTask.Priority)
	assert.Less(t, alarmTask.Priority, alertTask.Priority, "告警优先级数值更小")

	assert.Equal(t, dst.ID, alarmTask.DeviceID)
	assert.Equal(t, alarm.ID, alarmTask.Envelope.MessageID)
	assert.Equal(t, "SRC", alarmTask.Envelope.SourceDeviceHID)
	require.NotNil(t, alarmTask.Envelope.AlarmType)
	assert.Equal(t, coremodel.AlarmService, *alarmTask.Envelope.AlarmType)
	assert.Nil(t, alarmTask.Envelope.AlertType)
	assert.Equal(t, coremodel.TaskID(alarmTask.EntryID), alarmTask.ID)
}

func TestRoute_AllOrNothing(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
	for _, hid := range []string{"A", "B", "C"} {
		e.store.MustDevice(t, hid, g.ID, memory.WithNID("A1"), memory.WithWebhook("http://x.example", 3))
	}
	msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

	calls := 0
	e.store.SetFailure(func(op string) error {
		if op == "create_pending_entry" {
			calls++
			if calls == 2 {
				return errors.New("connection refused")
			}
		}
		return nil
	})

	_, err := e.orch.Route(context.Background(), msg.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, coremodel.ErrInfrastructure)
	assert.True(t, coremodel.IsRetryable(err))
	assert.Equal(t, 0, e.store.EntryCount(), "部分创建的条目必须回滚")
	assert.Empty(t, e.queue.tasks)

	// 恢复后重试成功
	e.store.SetFailure(nil)
	res, err := e.orch.Route(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Len(t, res.EntryIDs, 3)
}

func TestRoute_EnqueueFailureKeepsEntries(t *testing.T) {
	e := newEnv()
	e.queue.err = coremodel.Infra("redis enqueue", errors.New("down"))
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
	e.store.MustDevice(t, "A", g.ID, memory.WithNID("A1"), memory.WithWebhook("http://x.example", 3))
	msg := e.store.MustMessage(t, src.ID, coremodel.ClassAlert, coremodel.AlertSensor, "A1")

	res, err := e.orch.Route(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Len(t, res.EntryIDs, 1)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 1, e.store.EntryCount())
}

func TestRoute_MessageNotFound(t *testing.T) {
	e := newEnv()
	_, err := e.orch.Route(context.Background(), 404)
	assert.ErrorIs(t, err, coremodel.ErrNotFound)
}

func TestNetworkDevices(t *testing.T) {
	e := newEnv()
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	src := e.store.MustDevice(t, "SRC", g.ID, memory.WithNID("A1"))
	peer := e.store.MustDevice(t, "PEER", g.ID, memory.WithNID("a1"))
	e.store.MustDevice(t, "OTHER", g.ID, memory.WithNID("B2"))

	devices, err := e.orch.NetworkDevices(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, peer.ID, devices[0].ID)
	assert.Equal(t, 0, e.store.EntryCount(), "预览不创建条目")
}

func TestNetworkOwners(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	g := e.store.MustGroup(t, "private", coremodel.GroupPrivate, nil)
	acme := e.store.MustOwner(t, "acme", nil)
	globex := e.store.MustOwner(t, "globex", nil)
	initech := e.store.MustOwner(t, "initech", nil)
	lonely := e.store.MustOwner(t, "lonely", nil)

	e.store.MustDevice(t, "ACME-1", g.ID, memory.WithNID("A1"), memory.OwnedBy(acme.ID))
	e.store.MustDevice(t, "ACME-2", g.ID, memory.WithNID("B2"), memory.OwnedBy(acme.ID))
	e.store.MustDevice(t, "GLOBEX-1", g.ID, memory.WithNID("A1"), memory.OwnedBy(globex.ID))
	e.store.MustDevice(t, "INITECH-1", g.ID, memory.WithNID("B2"), memory.OwnedBy(initech.ID))
	e.store.MustDevice(t, "INITECH-OFF", g.ID, memory.WithNID("C3"), memory.OwnedBy(initech.ID), memory.Inactive())
	e.store.MustDevice(t, "LONELY-1", g.ID, memory.WithNID("Z9"), memory.OwnedBy(lonely.ID))

	owners, err := e.orch.NetworkOwners(ctx, acme.ID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(owners))
	for _, o := range owners {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []int64{globex.ID, initech.ID}, ids)

	owners, err = e.orch.NetworkOwners(ctx, lonely.ID)
	require.NoError(t, err)
	assert.Empty(t, owners)

	_, err = e.orch.NetworkOwners(ctx, 9999)
	assert.ErrorIs(t, err, coremodel.ErrNotFound)
	assert.Equal(t, 0, e.store.EntryCount())
}
