package services

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/repositories"
)

// LegacyGroup 旧版群组文档：成员以 members: {uid: true} 内嵌在群组上
type LegacyGroup struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	OwnerID     string          `json:"ownerId"`
	CreatedAt   time.Time       `json:"createdAt"`
	Members     map[string]bool `json:"members"`
}

// ImportReport 一次导入的结果
type ImportReport struct {
	GroupID  string   `json:"groupId"`
	Created  bool     `json:"created"`
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
}

// MigrationService 把旧版内嵌成员表一次性转换为成员记录，不保留双写或双读
type MigrationService struct {
	store repositories.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewMigrationService(store repositories.Store, log *zap.Logger) *MigrationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MigrationService{
		store: store,
		log:   log.Named("migration"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// DecodeLegacyGroup 解码旧版文档，id、name、ownerId 缺失时拒绝
func DecodeLegacyGroup(data []byte) (*LegacyGroup, error) {
	var g LegacyGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, &models.DecodeError{Doc: "groups/?", Field: "*", Err: err}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (l *LegacyGroup) Validate() error {
	switch {
	case l.ID == "":
		return &models.DecodeError{Doc: "groups/?", Field: "id"}
	case l.OwnerID == "":
		return &models.DecodeError{Doc: "groups/" + l.ID, Field: "ownerId"}
	}
	if _, ok := models.NormalizeName(l.Name); !ok {
		return &models.DecodeError{Doc: "groups/" + l.ID, Field: "name"}
	}
	return nil
}

// group 转为新模型的群组文档；缺少 createdAt 的旧文档以导入时间代替
func (l *LegacyGroup) group(now time.Time) *models.Group {
	name, _ := models.NormalizeName(l.Name)
	created := l.CreatedAt.UTC()
	if l.CreatedAt.IsZero() {
		created = now
	}
	originalID := l.ID
	return &models.Group{
		ID:          l.ID,
		Name:        name,
		Description: models.NormalizeDescription(l.Description),
		OwnerID:     l.OwnerID,
		OriginalID:  &originalID,
		CreatedAt:   created,
		UpdatedAt:   now,
	}
}

// ImportLegacyMembers 群组不存在时按旧文档创建，然后把值为 true 的 uid 转为成员记录，
// 角色由 ownerId 推导；已存在的成员记录保持不变。全部写入在同一事务内完成。
func (s *MigrationService) ImportLegacyMembers(ctx context.Context, legacy *LegacyGroup) (*ImportReport, error) {
	if err := legacy.Validate(); err != nil {
		return nil, err
	}
	report := &ImportReport{GroupID: legacy.ID, Imported: []string{}, Skipped: []string{}}
	now := s.now()

	uids := make([]string, 0, len(legacy.Members))
	for uid, in := range legacy.Members {
		if in && uid != "" {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)

	err := s.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
		g, err := tx.LockGroup(ctx, legacy.ID)
		switch {
		case errs.Is(err, errs.KindNotFound):
			g = legacy.group(now)
			if err := tx.CreateGroup(ctx, g); err != nil {
				return err
			}
			report.Created = true
		case err != nil:
			return err
		case g.OwnerID != legacy.OwnerID:
			return errs.Newf(errs.KindInvalidArgument, "legacy owner %s does not match group owner", legacy.OwnerID)
		}
		for _, uid := range uids {
			// a failed insert aborts a postgres transaction, so check first;
			// the group lock keeps joinGroup out until commit
			_, err := tx.GetMember(ctx, g.ID, uid)
			if err == nil {
				report.Skipped = append(report.Skipped, uid)
				continue
			}
			if !errs.Is(err, errs.KindNotFound) {
				return err
			}
			err = tx.CreateMember(ctx, &models.Member{
				GroupID:  g.ID,
				UserID:   uid,
				Role:     models.RoleFor(uid, g.OwnerID),
				JoinedAt: now,
			})
			if err != nil {
				return err
			}
			report.Imported = append(report.Imported, uid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("legacy members imported",
		zap.String("group_id", legacy.ID),
		zap.Bool("created", report.Created),
		zap.Int("imported", len(report.Imported)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}
