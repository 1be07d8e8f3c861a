// Package routing 计算消息的目标设备集合并驱动收件箱与投递。
package routing

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/inbox"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// capabilitiesOf 群组能力查表；测试中可替换以覆盖“两项都不启用”的组合
var capabilitiesOf = func(t coremodel.GroupType) coremodel.Capabilities {
	return t.Capabilities()
}

// Resolver 目标设备解析器。
// 五步流水线：群组 -> NID -> 距离 -> 排除自身 -> 物化为 pending 条目，每一步只做交集收窄。
type Resolver struct {
	logger *zap.Logger
}

// NewResolver 创建解析器
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "resolver"))}
}

// Materialized 物化结果：目标设备与其条目
type Materialized struct {
	Device  models.Device
	Entry   *models.InboxEntry
	Created bool
}

// Candidates 执行前四步，返回去重后的目标设备（按 ID 升序）
func (r *Resolver) Candidates(ctx context.Context, repo storage.CoreRepo, source *models.Device, messageNID *string) ([]models.Device, error) {
	group, err := repo.GetGroup(ctx, source.GroupID)
	if err != nil {
		return nil, err
	}
	caps := capabilitiesOf(group.Type)
	log := r.logger.With(
		zap.Int64("source_device_id", source.ID),
		zap.Int64("group_id", group.ID),
		zap.String("group_type", string(group.Type)),
	)

	// 1) 群组过滤
	members, err := repo.ListActiveDevicesInGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	candidates := make(map[int64]models.Device, len(members))
	for _, d := range members {
		candidates[d.ID] = d
	}

	// 2) NID 过滤：消息无 NID 时全部排除
	if caps.UsesNID {
		if messageNID == nil {
			log.Debug("message carries no nid, nid filter excludes all")
		}
		for id, d := range candidates {
			if !coremodel.NIDMatches(d.NID, messageNID) {
				delete(candidates, id)
			}
		}
	}

	// 3) 距离过滤：来源无坐标或无可用半径时全部排除
	if caps.UsesDistance && len(candidates) > 0 {
		meters, hasRadius, err := r.radiusMeters(ctx, repo, source, group)
		if err != nil {
			return nil, err
		}
		switch {
		case !source.HasLocation():
			log.Debug("source has no location, distance filter excludes all")
			candidates = map[int64]models.Device{}
		case !hasRadius:
			log.Warn("no owner or group radius configured, distance filter excludes all")
			candidates = map[int64]models.Device{}
		default:
			near, err := repo.WithinRadius(ctx, group.ID, *source.Latitude, *source.Longitude, meters)
			if err != nil {
				return nil, err
			}
			inRange := make(map[int64]struct{}, len(near))
			for _, d := range near {
				inRange[d.ID] = struct{}{}
			}
			for id, d := range candidates {
				if _, ok := inRange[id]; !ok || !d.HasLocation() {
					delete(candidates, id)
				}
			}
		}
	}

	// 4) 排除来源设备
	delete(candidates, source.ID)

	out := make([]models.Device, 0, len(candidates))
	for _, d := range members {
		if _, ok := candidates[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// radiusMeters 来源设备所有者配置了半径时优先使用，否则使用群组半径
func (r *Resolver) radiusMeters(ctx context.Context, repo storage.CoreRepo, source *models.Device, group *models.Group) (float64, bool, error) {
	if source.OwnerID != nil {
		owner, err := repo.GetOwner(ctx, *source.OwnerID)
		switch {
		case err == nil:
			if meters, ok := owner.RadiusMeters(); ok {
				return meters, true, nil
			}
		case errors.Is(err, coremodel.ErrNotFound):
		default:
			return 0, false, err
		}
	}
	meters, ok := group.RadiusMeters()
	return meters, ok, nil
}

// Resolve 解析目标并为每个目标创建 pending 条目（已存在则跳过）。
// repo 与 mgr 应绑定到同一事务。
func (r *Resolver) Resolve(ctx context.Context, repo storage.CoreRepo, mgr *inbox.Manager, source *models.Device, msg *models.Message) ([]Materialized, error) {
	targets, err := r.Candidates(ctx, repo, source, msg.NID)
	if err != nil {
		return nil, err
	}

	// 5) 物化
	out := make([]Materialized, 0, len(targets))
	for _, d := range targets {
		entry, created, err := mgr.CreatePending(ctx, d.ID, msg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Materialized{Device: d, Entry: entry, Created: created})
	}
	return out, nil
}

// NetworkDevices 以来源设备自身 NID 预览网络范围内的设备，不创建条目
func (r *Resolver) NetworkDevices(ctx context.Context, repo storage.CoreRepo, source *models.Device) ([]models.Device, error) {
	return r.Candidates(ctx, repo, source, source.NID)
}

// NetworkOwners 所有者名下每台 active 设备的网络范围内设备所属的所有者（去重，按 ID 升序）。
// 可能包含该所有者自己。所有者不存在返回 ErrNotFound。
func (r *Resolver) NetworkOwners(ctx context.Context, repo storage.CoreRepo, ownerID int64) ([]models.Owner, error) {
	if _, err := repo.GetOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	devices, err := repo.ListActiveOwnerDevices(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{})
	for i := range devices {
		near, err := r.NetworkDevices(ctx, repo, &devices[i])
		if err != nil {
			return nil, err
		}
		for _, d := range near {
			if d.OwnerID != nil {
				seen[*d.OwnerID] = struct{}{}
			}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return repo.ListOwnersByIDs(ctx, ids)
}
