// Package engine keeps live views of the groups a user belongs to and mediates
// every group mutation: direct writes for metadata, transaction functions for
// join and delete.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
	"github.com/Gopher0727/Cicero/internal/repositories"
	"github.com/Gopher0727/Cicero/internal/services"
	"github.com/Gopher0727/Cicero/internal/utils"
)

const (
	defaultRequestTimeout = 20 * time.Second
	defaultDebounce       = 500 * time.Millisecond

	// maxIDAttempts bounds id regeneration on collision
	maxIDAttempts = 5
)

// Feed opens live subscriptions on change channels.
type Feed interface {
	Subscribe(ctx context.Context, channels ...string) (*feed.Subscription, error)
}

// UserResolver resolves member ids to user records.
type UserResolver interface {
	Resolve(ctx context.Context, ids []string) ([]models.User, error)
}

// Deps are the collaborators of an Engine. Blobs may be nil when images are
// not supported.
type Deps struct {
	Store     repositories.Store
	Functions services.Functions
	Blobs     blob.Store
	Users     UserResolver
	Feed      Feed
}

type Engine struct {
	store repositories.Store
	fns   services.Functions
	blobs blob.Store
	users UserResolver
	feed  Feed

	pool     *utils.WorkerPool
	timeout  time.Duration
	debounce time.Duration
	log      *zap.Logger

	newID func() (string, error)
	now   func() time.Time
}

func New(deps Deps, cfg config.EngineConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("engine")

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	workers := cfg.FetchWorkers
	if workers <= 0 {
		workers = 8
	}

	pool := utils.NewWorkerPool(workers, cfg.QueueSize, log)
	pool.Start()

	return &Engine{
		store:    deps.Store,
		fns:      deps.Functions,
		blobs:    deps.Blobs,
		users:    deps.Users,
		feed:     deps.Feed,
		pool:     pool,
		timeout:  timeout,
		debounce: debounce,
		log:      log,
		newID:    utils.NewGroupID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close stops the fetch workers. Views opened from the engine must be closed
// by their owners first.
func (e *Engine) Close() {
	e.pool.Stop()
}

// call runs fn under the request timeout. A timeout surfaces as DeadlineExceeded
// whatever the backend reported.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !errs.Is(err, errs.KindDeadlineExceeded) {
		return errs.Wrap(errs.KindDeadlineExceeded, "request timed out", err)
	}
	return err
}

func requireCaller(uid string) error {
	if uid == "" {
		return errs.New(errs.KindUnauthenticated, "You must be signed in.")
	}
	return nil
}

func requireGroupID(groupID string) error {
	if groupID == "" {
		return errs.New(errs.KindInvalidArgument, "A group id is required.")
	}
	return nil
}

// memberGroup 读取群组并确认调用者是其成员
func (e *Engine) memberGroup(ctx context.Context, uid, groupID string) (*models.Group, error) {
	var g *models.Group
	err := e.call(ctx, func(ctx context.Context) (err error) {
		if g, err = e.store.GetGroup(ctx, groupID); err != nil {
			return err
		}
		if g.OwnerID == uid {
			return nil
		}
		_, err = e.store.GetMember(ctx, groupID, uid)
		if errs.Is(err, errs.KindNotFound) {
			return errs.New(errs.KindPermissionDenied, msgMembersOnly)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// canEdit 群组元数据只允许 owner 或 admin 修改
func canEdit(ctx context.Context, tx repositories.Tx, g *models.Group, uid string) error {
	if g.OwnerID == uid {
		return nil
	}
	m, err := tx.GetMember(ctx, g.ID, uid)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return errs.New(errs.KindPermissionDenied, "Only the owner or an admin can edit this group.")
		}
		return err
	}
	if m.Role != models.RoleAdmin {
		return errs.New(errs.KindPermissionDenied, "Only the owner or an admin can edit this group.")
	}
	return nil
}
