package repositories

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
)

type memberKey struct {
	groupID string
	userID  string
}

type memState struct {
	groups  map[string]models.Group
	members map[memberKey]models.Member
	users   map[string]models.User
}

func (s memState) clone() memState {
	return memState{
		groups:  maps.Clone(s.groups),
		members: maps.Clone(s.members),
		users:   maps.Clone(s.users),
	}
}

// MemStore 内存文档存储，用于本地运行与测试。
// 所有事务由一把全局锁串行执行，失败时整体回滚到事务开始前的快照。
type MemStore struct {
	mu    sync.Mutex
	state memState
	pub   feed.Publisher
	log   *zap.Logger

	faultMu sync.Mutex
	faults  map[string]error
}

func NewMemStore(pub feed.Publisher, log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemStore{
		state: memState{
			groups:  make(map[string]models.Group),
			members: make(map[memberKey]models.Member),
			users:   make(map[string]models.User),
		},
		pub:    pub,
		log:    log,
		faults: make(map[string]error),
	}
}

// FailNext 让名为 op 的下一次操作返回 err，例如 "CreateMember"
func (s *MemStore) FailNext(op string, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[op] = err
}

func (s *MemStore) fault(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return translate(err, op)
	}
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

func (s *MemStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.fault(ctx, "RunInTransaction"); err != nil {
		return err
	}
	s.mu.Lock()
	snapshot := s.state.clone()
	tx := &memTx{store: s}
	err := fn(tx)
	if err != nil {
		s.state = snapshot
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.pub != nil && len(tx.changes) > 0 {
		if perr := s.pub.Publish(context.WithoutCancel(ctx), tx.changes...); perr != nil {
			s.log.Warn("failed to publish committed changes", zap.Error(perr))
		}
	}
	return nil
}

func (s *MemStore) read(ctx context.Context, op string, fn func(tx *memTx) error) error {
	if err := s.fault(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{store: s, readOnly: true})
}

func (s *MemStore) GetGroup(ctx context.Context, id string) (g *models.Group, err error) {
	err = s.read(ctx, "GetGroup", func(tx *memTx) error {
		g, err = tx.GetGroup(ctx, id)
		return err
	})
	return g, err
}

func (s *MemStore) GetMember(ctx context.Context, groupID, userID string) (m *models.Member, err error) {
	err = s.read(ctx, "GetMember", func(tx *memTx) error {
		m, err = tx.GetMember(ctx, groupID, userID)
		return err
	})
	return m, err
}

func (s *MemStore) ListMembers(ctx context.Context, groupID string) (out []models.Member, err error) {
	err = s.read(ctx, "ListMembers", func(tx *memTx) error {
		out, err = tx.ListMembers(ctx, groupID)
		return err
	})
	return out, err
}

func (s *MemStore) CountMembers(ctx context.Context, groupID string) (n int64, err error) {
	err = s.read(ctx, "CountMembers", func(tx *memTx) error {
		n, err = tx.CountMembers(ctx, groupID)
		return err
	})
	return n, err
}

func (s *MemStore) MembershipsOf(ctx context.Context, userID string) ([]models.Member, error) {
	var out []models.Member
	err := s.read(ctx, "MembershipsOf", func(tx *memTx) error {
		for _, m := range s.state.members {
			if m.UserID == userID {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMembers(out, func(m models.Member) string { return m.GroupID })
	return out, nil
}

func (s *MemStore) CreateUser(ctx context.Context, u *models.User) error {
	if err := s.fault(ctx, "CreateUser"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.users[u.ID]; ok {
		return errs.New(errs.KindAlreadyExists, "user already exists")
	}
	for _, existing := range s.state.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return errs.New(errs.KindAlreadyExists, "user already exists")
		}
	}
	s.state.users[u.ID] = *u
	return nil
}

func (s *MemStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := s.fault(ctx, "GetUser"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "user %s does not exist", id)
	}
	return &u, nil
}

func (s *MemStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := s.fault(ctx, "GetUserByEmail"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.state.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "user does not exist")
}

func (s *MemStore) FindUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) > MaxInValues {
		return nil, errs.Newf(errs.KindInvalidArgument, "at most %d ids per query, got %d", MaxInValues, len(ids))
	}
	if err := s.fault(ctx, "FindUsers"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.User{}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := s.state.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func sortMembers(ms []models.Member, tie func(models.Member) string) {
	slices.SortFunc(ms, func(a, b models.Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(tie(a), tie(b))
	})
}

// memTx 在持有 MemStore.mu 时使用
type memTx struct {
	store    *MemStore
	readOnly bool
	changes  []feed.Change
}

func (t *memTx) state() *memState {
	return &t.store.state
}

func (t *memTx) check(ctx context.Context, op string) error {
	if t.readOnly && isWrite(op) {
		return errs.Newf(errs.KindInternal, "%s outside transaction", op)
	}
	return t.store.fault(ctx, op)
}

func isWrite(op string) bool {
	return strings.HasPrefix(op, "Create") || strings.HasPrefix(op, "Update") || strings.HasPrefix(op, "Delete")
}

func (t *memTx) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	g, ok := t.state().groups[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "%s does not exist", groupDoc(id))
	}
	return &g, nil
}

func (t *memTx) LockGroup(ctx context.Context, id string) (*models.Group, error) {
	if err := t.check(ctx, "LockGroup"); err != nil {
		return nil, err
	}
	return t.GetGroup(ctx, id)
}

func (t *memTx) CreateGroup(ctx context.Context, g *models.Group) error {
	if err := t.check(ctx, "CreateGroup"); err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid group", err)
	}
	if _, ok := t.state().groups[g.ID]; ok {
		return errs.Newf(errs.KindAlreadyExists, "%s already exists", groupDoc(g.ID))
	}
	t.state().groups[g.ID] = *g
	snapshot := *g
	t.changes = append(t.changes, feed.GroupUpserted(&snapshot))
	return nil
}

func (t *memTx) UpdateGroup(ctx context.Context, id string, patch models.GroupPatch) (*models.Group, error) {
	if err := t.check(ctx, "UpdateGroup"); err != nil {
		return nil, err
	}
	g, ok := t.state().groups[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "%s does not exist", groupDoc(id))
	}
	if patch.IsEmpty() {
		return &g, nil
	}
	patch.Apply(&g)
	g.UpdatedAt = nowUTC()
	t.state().groups[id] = g
	snapshot := g
	t.changes = append(t.changes, feed.GroupUpserted(&snapshot))
	return &g, nil
}

func (t *memTx) DeleteGroup(ctx context.Context, id string) error {
	if err := t.check(ctx, "DeleteGroup"); err != nil {
		return err
	}
	if _, ok := t.state().groups[id]; !ok {
		return errs.Newf(errs.KindNotFound, "%s does not exist", groupDoc(id))
	}
	delete(t.state().groups, id)
	t.changes = append(t.changes, feed.GroupDeleted(id))
	return nil
}

func (t *memTx) GetMember(ctx context.Context, groupID, userID string) (*models.Member, error) {
	m, ok := t.state().members[memberKey{groupID, userID}]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "%s does not exist", memberDoc(groupID, userID))
	}
	return &m, nil
}

func (t *memTx) ListMembers(ctx context.Context, groupID string) ([]models.Member, error) {
	out := []models.Member{}
	for k, m := range t.state().members {
		if k.groupID == groupID {
			out = append(out, m)
		}
	}
	sortMembers(out, func(m models.Member) string { return m.UserID })
	return out, nil
}

func (t *memTx) CountMembers(ctx context.Context, groupID string) (int64, error) {
	var n int64
	for k := range t.state().members {
		if k.groupID == groupID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CreateMember(ctx context.Context, m *models.Member) error {
	if err := t.check(ctx, "CreateMember"); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid membership", err)
	}
	key := memberKey{m.GroupID, m.UserID}
	if _, ok := t.state().members[key]; ok {
		return errs.Newf(errs.KindAlreadyExists, "%s already exists", memberDoc(m.GroupID, m.UserID))
	}
	t.state().members[key] = *m
	snapshot := *m
	t.changes = append(t.changes, feed.MemberUpserted(&snapshot))
	return nil
}

func (t *memTx) UpdateMemberRole(ctx context.Context, groupID, userID string, role models.Role) error {
	if err := t.check(ctx, "UpdateMemberRole"); err != nil {
		return err
	}
	if !role.Valid() {
		return errs.Newf(errs.KindInvalidArgument, "invalid role %q", role)
	}
	key := memberKey{groupID, userID}
	m, ok := t.state().members[key]
	if !ok {
		return errs.Newf(errs.KindNotFound, "%s does not exist", memberDoc(groupID, userID))
	}
	m.Role = role
	t.state().members[key] = m
	snapshot := m
	t.changes = append(t.changes, feed.MemberUpserted(&snapshot))
	return nil
}

func (t *memTx) DeleteMember(ctx context.Context, groupID, userID string) error {
	if err := t.check(ctx, "DeleteMember"); err != nil {
		return err
	}
	key := memberKey{groupID, userID}
	if _, ok := t.state().members[key]; !ok {
		return errs.Newf(errs.KindNotFound, "%s does not exist", memberDoc(groupID, userID))
	}
	delete(t.state().members, key)
	t.changes = append(t.changes, feed.MemberDeleted(groupID, userID))
	return nil
}

func (t *memTx) DeleteMembers(ctx context.Context, groupID string) (int64, error) {
	if err := t.check(ctx, "DeleteMembers"); err != nil {
		return 0, err
	}
	var n int64
	for k := range t.state().members {
		if k.groupID == groupID {
			delete(t.state().members, k)
			t.changes = append(t.changes, feed.MemberDeleted(groupID, k.userID))
			n++
		}
	}
	return n, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
