package net

import (
	"github.com/hmcore/worldsim/internal/world"
	"go.uber.org/zap"
)

// Observer pushes world stats to every connected session. AfterFrame runs on
// the frame goroutine with read access to the world, between frames.
type Observer struct {
	srv      *Server
	sessions map[uint64]*Session
	log      *zap.Logger
}

func NewObserver(srv *Server) *Observer {
	return &Observer{
		srv:      srv,
		sessions: make(map[uint64]*Session),
		log:      srv.log,
	}
}

// SessionCount is the number of live sessions seen by the last AfterFrame.
func (o *Observer) SessionCount() int {
	return len(o.sessions)
}

func (o *Observer) AfterFrame(w *world.World) {
	o.admit(w)
	if len(o.sessions) == 0 {
		return
	}

	stats := EncodeStats(w.Stats())
	var snapshot []byte
	for id, sess := range o.sessions {
		if sess.IsClosed() {
			delete(o.sessions, id)
			o.log.Info("observer disconnected", zap.Uint64("session", id))
			continue
		}
		if o.wantsSnapshot(sess) {
			if snapshot == nil {
				data, err := w.Snapshot()
				if err != nil {
					o.log.Error("observer snapshot", zap.Error(err))
				} else {
					snapshot = EncodeSnapshot(w.Frame(), data)
				}
			}
			if snapshot != nil {
				sess.Send(snapshot)
			}
		}
		sess.Send(stats)
	}
}

func (o *Observer) admit(w *world.World) {
	for {
		select {
		case sess := <-o.srv.NewSessions():
			o.sessions[sess.ID] = sess
			sess.Send(EncodeHello(w.Name()))
		default:
			return
		}
	}
}

// wantsSnapshot drains sess's requests and reports whether one asked for a
// snapshot.
func (o *Observer) wantsSnapshot(sess *Session) bool {
	want := false
	for {
		select {
		case req := <-sess.InQueue:
			if len(req) > 0 && req[0] == OpRequestSnapshot {
				want = true
			} else {
				sess.log.Debug("unknown request", zap.Int("len", len(req)))
			}
		default:
			return want
		}
	}
}

// Close disconnects all sessions.
func (o *Observer) Close() {
	for id, sess := range o.sessions {
		sess.Close()
		delete(o.sessions, id)
	}
}
