package beaconserver

import (
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/esrf-bcu/beacon/internal/lockmgr"
	"github.com/esrf-bcu/beacon/internal/transport"
	"github.com/esrf-bcu/beacon/internal/wire"
)

// Session is one connected client's read loop and dispatch state
// (spec.md §4.7). Its id doubles as the lockmgr.SessionID the lock
// manager uses to attribute holds and waiters to this client.
type Session struct {
	server *Server
	conn   *transport.Conn
	log    *logrus.Entry

	id         lockmgr.SessionID
	clientHost string
}

func newSession(server *Server, conn *transport.Conn) *Session {
	id := lockmgr.SessionID(uuid.New())
	return &Session{
		server: server,
		conn:   conn,
		log:    server.log.WithField("session", uuid.UUID(id)),
		id:     id,
	}
}

func (s *Session) writeFrame(t wire.MessageType, payload []byte) error {
	return s.conn.WriteFrame(wire.Frame{Type: t, Payload: payload})
}

// serve is the per-connection read loop: decode one frame, dispatch, go
// back to reading. It returns when the connection is closed, which is the
// cancellation signal for anything the session was doing (spec.md §5), or
// when dispatch reports the session ended itself (the UDS upgrade
// handshake: spec.md §4.3 has the server closing the TCP side once it has
// handed the client a socket path to reconnect to).
func (s *Session) serve() {
	defer s.conn.Close()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("session read failed")
			}
			return
		}
		if done := s.dispatch(frame); done {
			return
		}
	}
}

// dispatch handles one decoded frame and reports whether the session
// should end as a result (currently only a successful UDS upgrade).
func (s *Session) dispatch(frame wire.Frame) bool {
	switch frame.Type {
	case wire.Lock:
		s.handleLock(frame.Payload)
	case wire.Unlock:
		s.handleUnlock(frame.Payload)
	case wire.LockStolenAck:
		for _, effect := range s.server.locks.AckStolen(s.id, frame.Payload) {
			s.server.deliver(effect)
		}
	case wire.RedisAddrQuery:
		_ = s.writeFrame(wire.RedisAddrReply, []byte(s.server.redisAddr))
	case wire.UDSQuery:
		return s.handleUDSQuery(frame.Payload)
	case wire.GetFile:
		s.handleGetFile(frame.Payload)
	case wire.GetDBTree:
		s.handleGetDBTree(frame.Payload)
	case wire.SetFile:
		s.handleSetFile(frame.Payload)
	case wire.RemoveFile:
		s.handleRemoveFile(frame.Payload)
	case wire.MovePath:
		s.handleMovePath(frame.Payload)
	default:
		s.handleUnknown(frame.Payload)
	}
	return false
}

func (s *Session) handleUnknown(payload []byte) {
	fields := wire.SplitFields(payload)
	key := ""
	if len(fields) > 0 {
		key = fields[0]
	}
	_ = s.writeFrame(wire.Unknown, []byte(key))
}

// parseLockPayload splits a LOCK/UNLOCK payload ("priority|name1|name2|...")
// into priority and names. A zero-length payload yields (0, nil, true):
// the no-op boundary case from spec.md §8, which lockmgr itself also
// short-circuits on an empty names slice.
func parseLockPayload(payload []byte) (priority int, names []string, ok bool) {
	if len(payload) == 0 {
		return 0, nil, true
	}
	fields := wire.SplitFields(payload)
	if len(fields) == 0 {
		return 0, nil, true
	}
	p, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil, false
	}
	return p, fields[1:], true
}

func (s *Session) handleLock(payload []byte) {
	priority, names, ok := parseLockPayload(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	for _, effect := range s.server.locks.Lock(s.id, priority, names) {
		s.server.deliver(effect)
	}
}

func (s *Session) handleUnlock(payload []byte) {
	priority, names, ok := parseLockPayload(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	for _, effect := range s.server.locks.Unlock(s.id, priority, names) {
		s.server.deliver(effect)
	}
}

// handleUDSQuery implements the TCP->UDS upgrade handshake (spec.md §4.3):
// on success it writes UDS_OK and then closes the TCP session itself --
// "sends UDS_OK with the socket path, closes the TCP session, and expects
// a new connection on that socket" -- rather than leaving the old serve
// loop running and relying on the client to hang up its side. serve's
// deferred conn.Close plus its read loop exiting on the resulting error
// is what actually tears the session down; returning true here just tells
// dispatch/serve the frame already triggered that outcome. A fresh
// connection has no lock holdings yet, so there is nothing for the new
// Unix-domain session to inherit: the client simply reconnects and gets a
// new Session/SessionID on the Unix socket (see DESIGN.md's Open Question
// resolution on session-identity migration).
func (s *Session) handleUDSQuery(payload []byte) bool {
	clientHost := string(payload)
	s.clientHost = clientHost

	if !sameHost(clientHost) {
		_ = s.writeFrame(wire.UDSFailed, nil)
		return false
	}

	path, err := s.server.listener.EnsureUDS()
	if err != nil {
		s.log.WithError(err).Warn("failed to create unix-domain socket")
		_ = s.writeFrame(wire.UDSFailed, nil)
		return false
	}
	_ = s.writeFrame(wire.UDSOK, []byte(path))
	return true
}

func (s *Session) handleGetFile(payload []byte) {
	msgkey, path, ok := wire.SplitKeyRest(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	content, err := s.server.config.GetFile(string(path))
	if err != nil {
		_ = s.writeFrame(wire.GetFileFailed, []byte(wire.JoinFields(msgkey, err.Error())))
		return
	}
	_ = s.writeFrame(wire.GetFileOK, []byte(msgkey+wire.FieldSep+string(content)))
}

func (s *Session) handleGetDBTree(payload []byte) {
	msgkey, basePath, ok := wire.SplitKeyRest(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	entries, err := s.server.config.Tree(string(basePath))
	if err != nil {
		s.log.WithError(err).Warn("tree listing failed")
		_ = s.writeFrame(wire.DBEnd, []byte(msgkey))
		return
	}
	for _, e := range entries {
		line := msgkey + wire.FieldSep + e.Path + wire.FieldSep + string(e.Content)
		_ = s.writeFrame(wire.DBFile, []byte(line))
	}
	_ = s.writeFrame(wire.DBEnd, []byte(msgkey))
}

func (s *Session) handleSetFile(payload []byte) {
	msgkey, rest, ok := wire.SplitKeyRest(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	path, content, ok := wire.SplitKeyRest(rest)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	if err := s.server.config.SetFile(string(path), content); err != nil {
		_ = s.writeFrame(wire.SetFileFailed, []byte(wire.JoinFields(msgkey, err.Error())))
		return
	}
	_ = s.writeFrame(wire.SetFileOK, []byte(msgkey))
}

func (s *Session) handleRemoveFile(payload []byte) {
	msgkey, path, ok := wire.SplitKeyRest(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	if err := s.server.config.RemoveFile(string(path)); err != nil {
		_ = s.writeFrame(wire.OperationFailed, []byte(wire.JoinFields(msgkey, err.Error())))
		return
	}
	_ = s.writeFrame(wire.RemoveFileOK, []byte(msgkey))
}

func (s *Session) handleMovePath(payload []byte) {
	msgkey, rest, ok := wire.SplitKeyRest(payload)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	src, dst, ok := wire.SplitKeyRest(rest)
	if !ok {
		s.handleUnknown(payload)
		return
	}
	if err := s.server.config.MovePath(string(src), string(dst)); err != nil {
		_ = s.writeFrame(wire.OperationFailed, []byte(wire.JoinFields(msgkey, err.Error())))
		return
	}
	_ = s.writeFrame(wire.MovePathOK, []byte(msgkey))
}

// sameHost reports whether clientHost identifies the machine this server
// process is running on. Grounded on connection.py's own-host check before
// requesting a UDS upgrade.
func sameHost(clientHost string) bool {
	hostname, err := os.Hostname()
	if err != nil {
		return false
	}
	return clientHost == hostname || clientHost == "localhost"
}
