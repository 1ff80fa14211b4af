// Package beaconserver is the coordinator's server core (spec.md §4.7): an
// accept loop handing each connection to its own Session, a dispatcher
// routing decoded frames to internal/lockmgr and internal/configstore, and
// graceful shutdown that releases every lock still held when the process
// is asked to stop.
package beaconserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/esrf-bcu/beacon/internal/configstore"
	"github.com/esrf-bcu/beacon/internal/lockmgr"
	"github.com/esrf-bcu/beacon/internal/transport"
)

// ShutdownDrainTimeout bounds how long graceful shutdown waits for
// in-flight sessions to finish their current request before it force
// releases their locks (spec.md §4.7).
const ShutdownDrainTimeout = 5 * time.Second

// Server owns every piece of process-global state the dispatcher needs:
// the listener, the lock table, the config store, and the advertised
// Redis address. The sessions map exists for delivering lockmgr.Effect
// values to the right connection and for shutdown bookkeeping; it is not
// the authority for lock ownership (lockmgr.Manager is).
type Server struct {
	log *logrus.Entry

	listener  *transport.Listener
	locks     *lockmgr.Manager
	config    *configstore.Store
	redisAddr string

	mu       sync.Mutex
	sessions map[lockmgr.SessionID]*Session
	wg       sync.WaitGroup
}

// New builds a Server around already-constructed components. Callers
// (cmd/beacon-server) are responsible for opening the listener, config
// store, and any busreg/channelbus wiring before calling New.
func New(listener *transport.Listener, locks *lockmgr.Manager, config *configstore.Store, redisAddr string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		log:       log.WithField("component", "beaconserver"),
		listener:  listener,
		locks:     locks,
		config:    config,
		redisAddr: redisAddr,
		sessions:  make(map[lockmgr.SessionID]*Session),
	}
}

// Serve accepts connections until ctx is canceled, at which point it
// closes the listener, waits up to ShutdownDrainTimeout for in-flight
// sessions to finish, and force-releases the locks of any session still
// connected at the deadline (spec.md §4.7 "Graceful shutdown").
func (s *Server) Serve(ctx context.Context) error {
	acceptErr := make(chan error, 1)
	go s.acceptLoop(acceptErr)
	go s.acceptUDSLoop()
	go s.deliverAsyncEffects(ctx)

	select {
	case err := <-acceptErr:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down: closing listener")
	_ = s.listener.Close()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(ShutdownDrainTimeout):
		s.log.Warn("shutdown drain timeout exceeded, force-releasing remaining sessions")
		s.forceReleaseRemaining()
	}
	return nil
}

func (s *Server) acceptLoop(errCh chan<- error) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		s.spawn(conn)
	}
}

func (s *Server) acceptUDSLoop() {
	for {
		conn, err := s.listener.AcceptUDS()
		if err != nil {
			return
		}
		s.spawn(conn)
	}
}

// deliverAsyncEffects forwards lockmgr.Effect values the lock table
// produces on its own schedule rather than in response to a frame --
// today, the deferred LOCK_OK a stolen lock's ack timeout fires (spec.md
// §4.4) -- to their target session, same as the synchronous return values
// handleLock/handleUnlock/AckStolen/ReleaseSession already deliver.
func (s *Server) deliverAsyncEffects(ctx context.Context) {
	for {
		select {
		case effect := <-s.locks.Effects():
			s.deliver(effect)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) spawn(conn *transport.Conn) {
	sess := newSession(s, conn)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeSession(sess.id)
		sess.serve()
	}()
}

func (s *Server) removeSession(id lockmgr.SessionID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	for _, effect := range s.locks.ReleaseSession(id) {
		s.deliver(effect)
	}
}

func (s *Server) forceReleaseRemaining() {
	s.mu.Lock()
	ids := make([]lockmgr.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		for _, effect := range s.locks.ReleaseSession(id) {
			s.deliver(effect)
		}
	}
}

// deliver routes a lockmgr.Effect to the connection of the session it
// targets. A missing session (already disconnected) is not an error: its
// effect is simply dropped, matching spec.md's "in-flight replies may be
// dropped" cancellation rule.
func (s *Server) deliver(effect lockmgr.Effect) {
	s.mu.Lock()
	target, ok := s.sessions[effect.Session]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := target.writeFrame(effect.Type, effect.Payload); err != nil {
		s.log.WithError(err).WithField("session", uuid.UUID(effect.Session)).
			Warn("failed to deliver effect")
	}
}
