package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/utils"
)

const (
	fieldName        = "name"
	fieldDescription = "description"
)

// Editor coalesces live edits of one group's name and description. A write is
// issued once a field has been quiet for the engine's debounce period; only
// the last value typed is committed. Writes of one field are serialized and a
// write superseded by a newer value is cancelled or skipped.
type Editor struct {
	e       *Engine
	uid     string
	groupID string
	deb     *utils.Debouncer
	onError func(field string, err error)

	mu     sync.Mutex
	gen    map[string]uint64
	cancel map[string]context.CancelFunc
	write  map[string]*sync.Mutex
}

// NewEditor onError receives failures of debounced writes and may be nil.
func (e *Engine) NewEditor(uid, groupID string, onError func(field string, err error)) *Editor {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Editor{
		e:       e,
		uid:     uid,
		groupID: groupID,
		deb:     utils.NewDebouncer(e.debounce),
		onError: onError,
		gen:     make(map[string]uint64),
		cancel:  make(map[string]context.CancelFunc),
		write: map[string]*sync.Mutex{
			fieldName:        {},
			fieldDescription: {},
		},
	}
}

// SetName rejects an empty name immediately; nothing is queued in that case.
func (ed *Editor) SetName(name string) error {
	if _, ok := models.NormalizeName(name); !ok {
		return errs.New(errs.KindInvalidArgument, msgNameRequired)
	}
	gen := ed.next(fieldName)
	ed.deb.Submit(fieldName, func() {
		ed.commit(fieldName, gen, func(ctx context.Context) error {
			return ed.e.UpdateName(ctx, ed.uid, ed.groupID, name)
		})
	})
	return nil
}

func (ed *Editor) SetDescription(description string) {
	gen := ed.next(fieldDescription)
	ed.deb.Submit(fieldDescription, func() {
		ed.commit(fieldDescription, gen, func(ctx context.Context) error {
			return ed.e.UpdateDescription(ctx, ed.uid, ed.groupID, description)
		})
	})
}

func (ed *Editor) next(field string) uint64 {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	ed.gen[field]++
	return ed.gen[field]
}

func (ed *Editor) current(field string, gen uint64) bool {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	return ed.gen[field] == gen
}

// commit cancels the write in flight for field, waits for it to return and
// then writes, unless a newer value was submitted meanwhile.
func (ed *Editor) commit(field string, gen uint64, write func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ed.mu.Lock()
	if ed.gen[field] != gen {
		ed.mu.Unlock()
		return
	}
	if prev := ed.cancel[field]; prev != nil {
		prev()
	}
	ed.cancel[field] = cancel
	ed.mu.Unlock()

	lock := ed.write[field]
	lock.Lock()
	defer lock.Unlock()
	if !ed.current(field, gen) {
		return
	}

	err := write(ctx)
	if err != nil && !ed.current(field, gen) {
		// superseded while in flight
		return
	}
	if err != nil {
		ed.e.log.Warn("debounced edit failed",
			zap.String("group_id", ed.groupID),
			zap.String("field", field),
			zap.Error(err))
		ed.onError(field, err)
	}
}

// Pending reports whether field has an uncommitted edit.
func (ed *Editor) Pending(field string) bool {
	return ed.deb.Pending(field)
}

// Flush commits pending edits now.
func (ed *Editor) Flush() {
	ed.deb.FlushAll()
}

// Close commits pending edits and stops accepting new ones.
func (ed *Editor) Close() {
	ed.deb.FlushAll()
	ed.deb.Stop()
}
