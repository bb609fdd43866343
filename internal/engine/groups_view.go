package engine

import (
	"cmp"
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
	"github.com/Gopher0727/Cicero/internal/utils"
)

// GroupsSnapshot 一次 "我的群组" 视图。
// Warning 为 Aggregated：部分群组获取失败，Groups 只含获取成功的部分。
// Err 非空表示订阅已终止，之后不再有快照。
type GroupsSnapshot struct {
	Groups  []models.Group
	Warning error
	Err     error
}

// GroupsView 当前用户所在群组的实时视图
type GroupsView struct {
	*view[GroupsSnapshot]

	e   *Engine
	uid string

	// loop-owned
	groups  map[string]models.Group
	watched map[string]struct{}
	warning error
}

// Subscribe 订阅 uid 的成员记录，每次变化后重新推导群组集合并批量获取群组文档。
// 群组文档的变化通过按群组动态订阅的频道直接应用到视图。
func (e *Engine) Subscribe(ctx context.Context, uid string) (*GroupsView, error) {
	if err := requireCaller(uid); err != nil {
		return nil, err
	}
	var sub *feed.Subscription
	err := e.call(ctx, func(ctx context.Context) (err error) {
		sub, err = e.feed.Subscribe(ctx, feed.UserMembershipsChannel(uid))
		return err
	})
	if err != nil {
		return nil, openErr(err)
	}

	v := &GroupsView{
		view:    newView[GroupsSnapshot]("groups", sub),
		e:       e,
		uid:     uid,
		groups:  make(map[string]models.Group),
		watched: make(map[string]struct{}),
	}
	v.start(ctx, v.run)
	return v, nil
}

func (v *GroupsView) run(ctx context.Context) {
	if !v.reconcile(ctx) {
		return
	}
	events := v.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					v.emit(GroupsSnapshot{Err: subscriptionLost()})
				}
				return
			}
			refetch := v.apply(ev)
			if !drain(events, func(ev feed.Event) { refetch = v.apply(ev) || refetch }) {
				if ctx.Err() == nil {
					v.emit(GroupsSnapshot{Err: subscriptionLost()})
				}
				return
			}
			if refetch {
				if !v.reconcile(ctx) {
					return
				}
				continue
			}
			v.publish()
		}
	}
}

// apply 群组文档变化直接应用；成员记录变化需要重新查询
func (v *GroupsView) apply(ev feed.Event) (refetch bool) {
	if ev.Err != nil {
		return true
	}
	c := ev.Change
	if c.Entity == feed.EntityMember {
		return true
	}
	if _, ok := v.groups[c.GroupID]; !ok {
		return false
	}
	switch {
	case c.Op == feed.OpDelete:
		delete(v.groups, c.GroupID)
	case c.Group != nil:
		v.groups[c.GroupID] = *c.Group
	default:
		return true
	}
	return false
}

// reconcile 返回 false 时循环结束
func (v *GroupsView) reconcile(ctx context.Context) bool {
	var members []models.Member
	err := v.e.call(ctx, func(ctx context.Context) (err error) {
		members, err = v.e.store.MembershipsOf(ctx, v.uid)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			v.e.log.Warn("membership query failed", zap.String("uid", v.uid), zap.Error(err))
			v.emit(GroupsSnapshot{Err: err})
		}
		return false
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		if !slices.Contains(ids, m.GroupID) {
			ids = append(ids, m.GroupID)
		}
	}

	var problems []error
	if err := v.syncWatches(ctx, ids); err != nil {
		problems = append(problems, err)
	}
	groups, err := v.e.fetchGroups(ctx, ids)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if cs := errs.Constituents(err); cs != nil {
			problems = append(problems, cs...)
		} else {
			problems = append(problems, err)
		}
	}

	v.groups = make(map[string]models.Group, len(groups))
	for _, g := range groups {
		v.groups[g.ID] = g
	}
	v.warning = errs.Aggregate("failed to load some groups", problems)
	v.publish()
	return true
}

// syncWatches 订阅新加入群组的文档频道，退订已离开的群组
func (v *GroupsView) syncWatches(ctx context.Context, ids []string) error {
	var add, remove []string
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
		if _, ok := v.watched[id]; !ok {
			add = append(add, feed.GroupChannel(id))
		}
	}
	for id := range v.watched {
		if _, ok := want[id]; !ok {
			remove = append(remove, feed.GroupChannel(id))
		}
	}
	if err := v.sub.Watch(ctx, add...); err != nil {
		return err
	}
	if err := v.sub.Unwatch(ctx, remove...); err != nil {
		return err
	}
	v.watched = want
	return nil
}

func (v *GroupsView) publish() {
	groups := make([]models.Group, 0, len(v.groups))
	for _, g := range v.groups {
		groups = append(groups, g)
	}
	sortGroups(groups)
	v.emit(GroupsSnapshot{Groups: groups, Warning: v.warning})
}

// sortGroups 按创建时间倒序，id 作为次序
func sortGroups(groups []models.Group) {
	slices.SortFunc(groups, func(a, b models.Group) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// fetchGroups 在协程池上并发获取群组文档，返回成功的部分和 Aggregated 错误
func (e *Engine) fetchGroups(ctx context.Context, ids []string) ([]models.Group, error) {
	results := make([]*models.Group, len(ids))
	join := utils.NewJoin(len(ids), nil)
	for i, id := range ids {
		err := e.pool.Submit(ctx, func() {
			var g *models.Group
			err := e.call(ctx, func(ctx context.Context) (err error) {
				g, err = e.store.GetGroup(ctx, id)
				return err
			})
			if err != nil {
				join.Done(i, errs.Wrap(errs.KindOf(err), "group "+id, err))
				return
			}
			results[i] = g
			join.Done(i, nil)
		})
		if err != nil {
			join.Done(i, errs.Wrap(errs.KindUnavailable, "group "+id, err))
		}
	}

	fetchErrs, err := join.Wait(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]models.Group, 0, len(ids))
	for _, g := range results {
		if g != nil {
			groups = append(groups, *g)
		}
	}
	return groups, errs.Aggregate("failed to fetch some groups", fetchErrs)
}

// Groups 一次性查询 uid 所在的群组，顺序与 GroupsView 相同。
// 部分群组获取失败时返回已获取的部分和 Aggregated 错误。
func (e *Engine) Groups(ctx context.Context, uid string) ([]models.Group, error) {
	if err := requireCaller(uid); err != nil {
		return nil, err
	}
	var members []models.Member
	err := e.call(ctx, func(ctx context.Context) (err error) {
		members, err = e.store.MembershipsOf(ctx, uid)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if !slices.Contains(ids, m.GroupID) {
			ids = append(ids, m.GroupID)
		}
	}
	groups, err := e.fetchGroups(ctx, ids)
	sortGroups(groups)
	return groups, err
}
