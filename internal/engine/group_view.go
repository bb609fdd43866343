package engine

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
)

// RosterEntry 一个已解析的成员
type RosterEntry struct {
	User     models.User `json:"user"`
	Role     models.Role `json:"role"`
	JoinedAt time.Time   `json:"joinedAt"`
	IsOwner  bool        `json:"isOwner"`
}

// GroupSnapshot 单个群组及其成员名单。群组被删除时 Err 为 NotFound，订阅随之结束。
type GroupSnapshot struct {
	Group   *models.Group
	Members []RosterEntry
	Warning error
	Err     error
}

// GroupView 单个群组的实时视图
type GroupView struct {
	*view[GroupSnapshot]

	e       *Engine
	groupID string

	// loop-owned
	group   *models.Group
	members []RosterEntry
	warning error
}

// WatchGroup 订阅群组文档和成员列表
func (e *Engine) WatchGroup(ctx context.Context, uid, groupID string) (*GroupView, error) {
	if err := requireCaller(uid); err != nil {
		return nil, err
	}
	groupID = strings.TrimSpace(groupID)
	if err := requireGroupID(groupID); err != nil {
		return nil, err
	}
	if _, err := e.memberGroup(ctx, uid, groupID); err != nil {
		return nil, err
	}
	var sub *feed.Subscription
	err := e.call(ctx, func(ctx context.Context) (err error) {
		sub, err = e.feed.Subscribe(ctx, feed.GroupChannel(groupID), feed.GroupMembersChannel(groupID))
		return err
	})
	if err != nil {
		return nil, openErr(err)
	}

	v := &GroupView{
		view:    newView[GroupSnapshot]("group", sub),
		e:       e,
		groupID: groupID,
	}
	v.start(ctx, v.run)
	return v, nil
}

func (v *GroupView) run(ctx context.Context) {
	if !v.loadGroup(ctx) || !v.loadRoster(ctx) {
		return
	}
	v.publish()

	events := v.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					v.emit(GroupSnapshot{Err: subscriptionLost()})
				}
				return
			}
			var deleted, refetchGroup, refetchRoster bool
			apply := func(ev feed.Event) {
				switch {
				case ev.Err != nil:
					refetchGroup, refetchRoster = true, true
				case ev.Change.Entity == feed.EntityMember:
					refetchRoster = true
				case ev.Change.Op == feed.OpDelete:
					deleted = true
				case ev.Change.Group != nil:
					g := *ev.Change.Group
					v.group = &g
					// ownership changes move the owner flag
					refetchRoster = true
				default:
					refetchGroup = true
				}
			}
			apply(ev)
			if !drain(events, apply) {
				if ctx.Err() == nil {
					v.emit(GroupSnapshot{Err: subscriptionLost()})
				}
				return
			}

			if deleted {
				v.emit(GroupSnapshot{Err: errs.New(errs.KindNotFound, "Group does not exist.")})
				return
			}
			if refetchGroup && !v.loadGroup(ctx) {
				return
			}
			if refetchRoster && !v.loadRoster(ctx) {
				return
			}
			v.publish()
		}
	}
}

func (v *GroupView) loadGroup(ctx context.Context) bool {
	var g *models.Group
	err := v.e.call(ctx, func(ctx context.Context) (err error) {
		g, err = v.e.store.GetGroup(ctx, v.groupID)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			v.emit(GroupSnapshot{Err: err})
		}
		return false
	}
	v.group = g
	return true
}

func (v *GroupView) loadRoster(ctx context.Context) bool {
	members, err := v.e.roster(ctx, v.group)
	if ctx.Err() != nil {
		return false
	}
	if err != nil && !errs.Is(err, errs.KindAggregated) {
		v.emit(GroupSnapshot{Err: err})
		return false
	}
	v.members, v.warning = members, err
	return true
}

func (v *GroupView) publish() {
	g := *v.group
	v.emit(GroupSnapshot{
		Group:   &g,
		Members: slices.Clone(v.members),
		Warning: v.warning,
	})
}

// Roster 返回群组的已解析成员名单，按加入时间升序。
// 没有用户文档的成员被省略；部分批次解析失败时同时返回已解析的成员和 Aggregated 错误。
func (e *Engine) Roster(ctx context.Context, uid, groupID string) ([]RosterEntry, error) {
	if err := requireCaller(uid); err != nil {
		return nil, err
	}
	groupID = strings.TrimSpace(groupID)
	if err := requireGroupID(groupID); err != nil {
		return nil, err
	}
	g, err := e.memberGroup(ctx, uid, groupID)
	if err != nil {
		return nil, err
	}
	return e.roster(ctx, g)
}

func (e *Engine) roster(ctx context.Context, g *models.Group) ([]RosterEntry, error) {
	var members []models.Member
	err := e.call(ctx, func(ctx context.Context) (err error) {
		members, err = e.store.ListMembers(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}

	var users []models.User
	resolveErr := e.call(ctx, func(ctx context.Context) (err error) {
		users, err = e.users.Resolve(ctx, ids)
		return err
	})
	if resolveErr != nil && !errs.Is(resolveErr, errs.KindAggregated) {
		return nil, resolveErr
	}

	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	entries := make([]RosterEntry, 0, len(members))
	for _, m := range members {
		u, ok := byID[m.UserID]
		if !ok {
			continue
		}
		entries = append(entries, RosterEntry{
			User:     u,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
			IsOwner:  m.UserID == g.OwnerID,
		})
	}
	return entries, resolveErr
}
