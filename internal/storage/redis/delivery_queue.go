package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/iot-router/internal/coremodel"
)

const (
	// Redis Key前缀
	deliveryTasksKey    = "delivery:tasks"    // 任务体（Hash，task_id -> json）
	deliveryInflightKey = "delivery:inflight" // 处理中（Sorted Set，score=可见性截止时间毫秒）
	deliveryReadyKeyFmt = "delivery:ready:%d" // 就绪/延迟（Sorted Set，每个优先级一个，score=到期时间毫秒）
	requeueBatch        = 100
)

// enqueueScript 任务体不存在时写入并加入就绪队列
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// dequeueScript 先把可见性超时的任务放回就绪队列，再按优先级顺序弹出一个到期任务
// KEYS[1]=tasks KEYS[2]=inflight KEYS[3..]=ready（按优先级从高到低）
// ARGV[1]=now ARGV[2]=visibility deadline ARGV[3..]=与 ready key 对应的优先级
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, ` + strconv.Itoa(requeueBatch) + `)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local raw = redis.call('HGET', KEYS[1], id)
  if raw then
    local prio = cjson.decode(raw)['priority']
    local target = KEYS[#KEYS]
    for i = 3, #KEYS do
      if tonumber(ARGV[i]) == prio then
        target = KEYS[i]
        break
      end
    end
    redis.call('ZADD', target, now, id)
  end
end
for i = 3, #KEYS do
  while true do
    local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', now, 'LIMIT', 0, 1)
    if #ids == 0 then
      break
    end
    local id = ids[1]
    redis.call('ZREM', KEYS[i], id)
    local raw = redis.call('HGET', KEYS[1], id)
    if raw then
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      return {id, raw}
    end
  end
end
return false
`)

// rescheduleScript 任务仍存在时从处理中移回就绪队列
var rescheduleScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// DeliveryQueue 基于 Redis 的持久化投递队列（需开启 AOF/RDB 持久化）
type DeliveryQueue struct {
	client     *Client
	priorities []int
	now        func() time.Time
}

// NewDeliveryQueue 创建 Redis 投递队列
func NewDeliveryQueue(client *Client) *DeliveryQueue {
	return &DeliveryQueue{
		client:     client,
		priorities: coremodel.Priorities(),
		now:        time.Now,
	}
}

// SetClock 替换时间源（测试用）
func (q *DeliveryQueue) SetClock(now func() time.Time) {
	q.now = now
}

func readyKey(priority int) string {
	return fmt.Sprintf(deliveryReadyKeyFmt, priority)
}

// readyKeyFor 未知优先级归入最低优先级队列
func (q *DeliveryQueue) readyKeyFor(priority int) string {
	for _, p := range q.priorities {
		if p == priority {
			return readyKey(p)
		}
	}
	return readyKey(q.priorities[len(q.priorities)-1])
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Enqueue 入队；相同任务 ID 已存在时返回 false
func (q *DeliveryQueue) Enqueue(ctx context.Context, task coremodel.DeliveryTask, due time.Time) (bool, error) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{deliveryTasksKey, q.readyKeyFor(task.Priority)},
		task.ID, string(data), millis(due),
	).Int()
	if err != nil {
		return false, coremodel.Infra("redis enqueue", err)
	}
	return n == 1, nil
}

// Dequeue 取出一个到期任务并设置可见性超时；队列为空返回 nil
func (q *DeliveryQueue) Dequeue(ctx context.Context, visibility time.Duration) (*coremodel.DeliveryTask, error) {
	now := q.now()
	keys := make([]string, 0, len(q.priorities)+2)
	keys = append(keys, deliveryTasksKey, deliveryInflightKey)
	args := make([]interface{}, 0, len(q.priorities)+2)
	args = append(args, millis(now), millis(now.Add(visibility)))
	for _, p := range q.priorities {
		keys = append(keys, readyKey(p))
		args = append(args, p)
	}

	res, err := dequeueScript.Run(ctx, q.client, keys, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, coremodel.Infra("redis dequeue", err)
	}
	if len(res) != 2 {
		return nil, nil
	}
	raw, _ := res[1].(string)
	var task coremodel.DeliveryTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// 任务体损坏，直接移除避免反复出队
		_ = q.Ack(ctx, fmt.Sprint(res[0]))
		return nil, fmt.Errorf("decode task %v: %w", res[0], err)
	}
	return &task, nil
}

// Ack 完成任务，删除任务体与所有索引
func (q *DeliveryQueue) Ack(ctx context.Context, taskID string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, deliveryTasksKey, taskID)
		p.ZRem(ctx, deliveryInflightKey, taskID)
		for _, pr := range q.priorities {
			p.ZRem(ctx, readyKey(pr), taskID)
		}
		return nil
	})
	if err != nil {
		return coremodel.Infra("redis ack", err)
	}
	return nil
}

// Reschedule 任务在 due 时刻重新可见
func (q *DeliveryQueue) Reschedule(ctx context.Context, task coremodel.DeliveryTask, due time.Time) error {
	err := rescheduleScript.Run(ctx, q.client,
		[]string{deliveryTasksKey, deliveryInflightKey, q.readyKeyFor(task.Priority)},
		task.ID, millis(due),
	).Err()
	if err != nil {
		return coremodel.Infra("redis reschedule", err)
	}
	return nil
}

// Stats 各队列深度、到期未取走数与连接池占用
func (q *DeliveryQueue) Stats(ctx context.Context) (coremodel.QueueStats, error) {
	stats := coremodel.QueueStats{Ready: make(map[int]int64, len(q.priorities))}
	cards := make(map[int]*redis.IntCmd, len(q.priorities))
	due := make([]*redis.IntCmd, 0, len(q.priorities))
	now := strconv.FormatInt(millis(q.now()), 10)
	var inflight *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, pr := range q.priorities {
			cards[pr] = p.ZCard(ctx, readyKey(pr))
			due = append(due, p.ZCount(ctx, readyKey(pr), "-inf", now))
		}
		inflight = p.ZCard(ctx, deliveryInflightKey)
		return nil
	})
	if err != nil {
		return stats, coremodel.Infra("redis queue stats", err)
	}
	for pr, c := range cards {
		stats.Ready[pr] = c.Val()
	}
	for _, c := range due {
		stats.Overdue += c.Val()
	}
	stats.InFlight = inflight.Val()
	stats.Pool = q.client.PoolUsage()
	return stats, nil
}

// Ping 队列后端可用性
func (q *DeliveryQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
