package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// GroupSpec 种子文件中的单个群组
type GroupSpec struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	NID         string   `yaml:"nid,omitempty"`
	RadiusKm    *float64 `yaml:"radius_km,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// GroupsFile configs/groups.yaml 结构
type GroupsFile struct {
	Groups []GroupSpec `yaml:"groups"`
}

const defaultRadiusKm = 10.0

// DefaultGroups 每种群组类型一个默认群组
func DefaultGroups() *GroupsFile {
	descriptions := map[coremodel.GroupType]string{
		coremodel.GroupPrivate:     "Private group (uses NID, no distance).",
		coremodel.GroupExclusive:   "Exclusive group (uses NID, no distance).",
		coremodel.GroupOpen:        "Open group (uses distance only).",
		coremodel.GroupDataLogging: "Data Logger group (uses NID, no distance).",
		coremodel.GroupEnhanced:    "Enhanced group (uses NID and distance).",
		coremodel.GroupLocation:    "Location group (uses NID and distance).",
	}
	f := &GroupsFile{}
	for _, t := range coremodel.AllGroupTypes() {
		spec := GroupSpec{Name: string(t), Type: string(t), Description: descriptions[t]}
		if t.Capabilities().UsesDistance {
			r := defaultRadiusKm
			spec.RadiusKm = &r
		}
		f.Groups = append(f.Groups, spec)
	}
	return f
}

// LoadGroups 读取群组种子文件；文件不存在时返回默认群组
func LoadGroups(path string) (*GroupsFile, error) {
	if path == "" {
		return DefaultGroups(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultGroups(), nil
		}
		return nil, fmt.Errorf("read groups seed: %w", err)
	}
	var f GroupsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("unmarshal groups seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate 校验群组类型、名称唯一，以及距离类群组必须配置半径
func (f *GroupsFile) Validate() error {
	seen := make(map[string]struct{}, len(f.Groups))
	for i, g := range f.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: groups[%d]: name is required", coremodel.ErrValidation, i)
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("%w: groups[%d]: duplicate name %q", coremodel.ErrValidation, i, g.Name)
		}
		seen[g.Name] = struct{}{}

		t, err := coremodel.ParseGroupType(g.Type)
		if err != nil {
			return fmt.Errorf("groups[%d]: %w", i, err)
		}
		if t.Capabilities().UsesDistance && (g.RadiusKm == nil || *g.RadiusKm <= 0) {
			return fmt.Errorf("%w: groups[%d]: %s group %q requires radius_km", coremodel.ErrValidation, i, t, g.Name)
		}
	}
	return nil
}

// EnsureGroups 群组表为空时创建种子群组，返回创建数量。
// 已有任意群组时不做任何修改。
func EnsureGroups(ctx context.Context, repo storage.CoreRepo, f *GroupsFile, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n, err := repo.CountGroups(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Debug("groups already present, seed skipped", zap.Int64("groups", n))
		return 0, nil
	}

	created := 0
	err = repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		for _, spec := range f.Groups {
			g := &models.Group{
				Name:     spec.Name,
				Type:     coremodel.GroupType(spec.Type),
				RadiusKm: spec.RadiusKm,
			}
			if spec.NID != "" {
				nid := spec.NID
				g.NID = coremodel.CanonicalNIDPtr(&nid)
			}
			if spec.Description != "" {
				d := spec.Description
				g.Description = &d
			}
			if err := tx.CreateGroup(ctx, g); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.Info("default groups seeded", zap.Int("groups", created))
	return created, nil
}
