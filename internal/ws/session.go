// Package ws pushes live group views to clients over WebSocket and accepts
// debounced metadata edits from them.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/engine"
	"github.com/Gopher0727/Cicero/internal/middlewares"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session 一个 WebSocket 连接：推送 "我的群组" 快照，按需推送单个群组详情，
// 并把客户端的编辑帧交给对应群组的 Editor
type Session struct {
	e    *engine.Engine
	conn *websocket.Conn
	uid  string
	log  *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	send       chan Frame
	writerDone chan struct{}

	// readPump-owned
	editors map[string]*engine.Editor
	watches map[string]*engine.GroupView
}

// ServeWs 处理 WebSocket 握手，调用者由认证中间件提供 (支持 ?token=)
func ServeWs(e *engine.Engine, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		uid := middlewares.UserID(c)
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    errs.KindUnauthenticated.Code(),
				"message": errs.UserMessage(errs.New(errs.KindUnauthenticated, "")),
			})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		// 连接的生命周期长于本次请求
		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
		s := &Session{
			e:          e,
			conn:       conn,
			uid:        uid,
			log:        log.With(zap.String("uid", uid)),
			ctx:        ctx,
			cancel:     cancel,
			send:       make(chan Frame, sendBuffer),
			writerDone: make(chan struct{}),
			editors:    make(map[string]*engine.Editor),
			watches:    make(map[string]*engine.GroupView),
		}

		view, err := e.Subscribe(ctx, uid)
		if err != nil {
			s.log.Warn("subscribe failed", zap.Error(err))
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteJSON(Frame{Type: TypeGroups, Error: frameError(err, true)})
			conn.Close()
			cancel()
			return
		}

		go s.writePump(view)
		go s.readPump(view)
	}
}

// push 在写协程退出后直接丢弃
func (s *Session) push(f Frame) {
	select {
	case s.send <- f:
	case <-s.writerDone:
	case <-s.ctx.Done():
	}
}

func (s *Session) write(f Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *Session) closeMessage(code int, text string) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (s *Session) writePump(view *engine.GroupsView) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
		s.conn.Close()
	}()

	updates := view.Updates()
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				s.closeMessage(websocket.CloseNormalClosure, "")
				return
			}
			if err := s.write(groupsFrame(snap)); err != nil {
				return
			}
			if snap.Err != nil {
				s.closeMessage(websocket.CloseInternalServerErr, "subscription ended")
				return
			}
		case f := <-s.send:
			if err := s.write(f); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			s.closeMessage(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *Session) readPump(view *engine.GroupsView) {
	defer func() {
		// 未提交的编辑在断开时立即提交
		for _, ed := range s.editors {
			ed.Close()
		}
		for _, w := range s.watches {
			w.Close()
		}
		view.Close()
		s.cancel()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil {
			s.push(errorFrame("", "", errs.Wrap(errs.KindInvalidArgument, "Malformed frame.", err)))
			continue
		}
		s.handle(in)
	}
}

func (s *Session) handle(in Inbound) {
	switch in.Type {
	case TypeEdit:
		s.edit(in)
	case TypeFlush:
		for _, ed := range s.editors {
			ed.Flush()
		}
	case TypeWatch:
		s.watch(in.GroupID)
	case TypeUnwatch:
		if w, ok := s.watches[in.GroupID]; ok {
			w.Close()
			delete(s.watches, in.GroupID)
		}
	default:
		s.push(errorFrame(in.GroupID, "", errs.Newf(errs.KindInvalidArgument, "Unknown frame type %q.", in.Type)))
	}
}

func (s *Session) edit(in Inbound) {
	if in.GroupID == "" {
		s.push(errorFrame("", in.Field, errs.New(errs.KindInvalidArgument, "Group ID is required.")))
		return
	}
	ed, ok := s.editors[in.GroupID]
	if !ok {
		groupID := in.GroupID
		ed = s.e.NewEditor(s.uid, groupID, func(field string, err error) {
			s.push(errorFrame(groupID, field, err))
		})
		s.editors[groupID] = ed
	}

	switch in.Field {
	case "name":
		if err := ed.SetName(in.Value); err != nil {
			s.push(errorFrame(in.GroupID, in.Field, err))
		}
	case "description":
		ed.SetDescription(in.Value)
	default:
		s.push(errorFrame(in.GroupID, in.Field, errs.Newf(errs.KindInvalidArgument, "Unknown field %q.", in.Field)))
	}
}

func (s *Session) watch(groupID string) {
	if w, ok := s.watches[groupID]; ok {
		select {
		case <-w.Done():
		default:
			return
		}
	}
	v, err := s.e.WatchGroup(s.ctx, s.uid, groupID)
	if err != nil {
		s.push(Frame{Type: TypeGroup, GroupID: groupID, Error: frameError(err, true)})
		return
	}
	s.watches[groupID] = v
	go func() {
		for snap := range v.Updates() {
			s.push(groupFrame(groupID, snap))
		}
	}()
}
