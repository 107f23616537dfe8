package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// State is a Session's position in its handshake/steady-state/closed state
// machine.
type State int

const (
	StateNew State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PingIdleTime is the interval after which, absent any other traffic, a
// Ping is sent to keep the connection alive and detect a dead peer.
const PingIdleTime = 60 * time.Second

// Model receives the callbacks a Session dispatches decoded messages to,
// and supplies the local ClusterConfig used on handshake. Implementations
// must be safe for concurrent use: a process may run many Sessions at
// once, each calling back on its own goroutine.
type Model interface {
	// LocalClusterConfig returns the ClusterConfig to announce to id on
	// handshake.
	LocalClusterConfig(id DeviceID) ClusterConfigMessage

	ClusterConfig(id DeviceID, cfg ClusterConfigMessage) error
	Index(id DeviceID, folder string, files []FileInfo) error
	IndexUpdate(id DeviceID, folder string, files []FileInfo) error
	Request(id DeviceID, folder, name string, offset int64, size int, hash []byte) ([]byte, error)
	Close(id DeviceID, err error)

	// PendingIndexUpdates returns the files in folder that id has not yet
	// seen. Subscribe returns the channel the fan-out service waits on
	// between rounds.
	PendingIndexUpdates(id DeviceID, folder string) []FileInfo
	SharedFolders(id DeviceID) []string
	Subscribe() <-chan struct{}
}

// pendingRequest is a Request awaiting its Response, keyed by msgID.
type pendingRequest struct {
	ch chan responseResult
}

type responseResult struct {
	data []byte
	code ResponseCode
}

// Session is the per-peer state machine: it owns a Connection, dispatches
// decoded messages to a Model, and runs its heartbeat and outbound fan-out
// as supervised suture.Service tasks.
type Session struct {
	id    DeviceID
	conn  *Connection
	model Model

	sup *suture.Supervisor

	mut         sync.Mutex
	state       State
	sawClusterConfig bool
	pending     map[int]*pendingRequest

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewSession constructs a Session over conn. Start must be called to begin
// the handshake and run its supervised tasks; Start blocks until the
// session closes, so callers typically invoke it in its own goroutine.
func NewSession(id DeviceID, conn *Connection, model Model) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		model:   model,
		state:   StateNew,
		pending: make(map[int]*pendingRequest),
		closed:  make(chan struct{}),
	}
	s.sup = suture.New(fmt.Sprintf("session-%s", id.Short()), suture.Spec{
		PassThroughPanics: false,
	})
	s.sup.Add(&recvLoopService{s: s})
	s.sup.Add(&heartbeatService{s: s})
	s.sup.Add(&fanoutService{s: s})
	metricSessionsOpen.Inc()
	return s
}

// Start sends the local ClusterConfig, transitioning to HANDSHAKING, then
// runs the session's supervised tasks until ctx is canceled or the session
// closes itself. It returns the reason the session ended.
func (s *Session) Start(ctx context.Context) error {
	cfg := s.model.LocalClusterConfig(s.id)
	if _, err := s.conn.send(ctx, &cfg, -1); err != nil {
		s.fail(ctx, err)
		return err
	}
	s.setState(StateHandshaking)

	err := s.sup.Serve(ctx)
	s.mut.Lock()
	closeErr := s.closeErr
	s.mut.Unlock()
	if closeErr != nil {
		return closeErr
	}
	return err
}

func (s *Session) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mut.Lock()
	s.state = st
	s.mut.Unlock()
}

// Closed reports whether the session has torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Close shuts down the session's connection and tasks. Safe to call more
// than once and from any goroutine.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mut.Lock()
		s.state = StateClosed
		s.closeErr = reason
		s.mut.Unlock()
		s.conn.close()
		close(s.closed)
		metricSessionsOpen.Dec()
		s.model.Close(s.id, reason)
	})
}

// fail tears down the session after a fatal error. If err is a
// *ProtocolViolation, a CloseMessage carrying the reason and CodeError is
// sent to the peer first, best-effort, before the transport is closed.
func (s *Session) fail(ctx context.Context, err error) {
	if pv, ok := err.(*ProtocolViolation); ok {
		s.conn.send(ctx, &CloseMessage{Reason: pv.Reason, Code: CodeError}, -1)
	}
	s.Close(err)
}

// dispatch applies the READY-state dispatch table to one decoded message.
// A returned error is always fatal to the session.
func (s *Session) dispatch(ctx context.Context, m message, msgID int) error {
	switch msg := m.(type) {
	case *ClusterConfigMessage:
		s.mut.Lock()
		repeat := s.sawClusterConfig
		s.sawClusterConfig = true
		st := s.state
		s.mut.Unlock()
		if repeat {
			return &ProtocolViolation{Reason: "duplicate ClusterConfig"}
		}
		if st == StateHandshaking {
			s.setState(StateReady)
		}
		return s.model.ClusterConfig(s.id, *msg)

	case *IndexMessage:
		return s.model.Index(s.id, msg.Folder, msg.Files)

	case *IndexUpdateMessage:
		return s.model.IndexUpdate(s.id, msg.Folder, msg.Files)

	case *RequestMessage:
		data, err := s.model.Request(s.id, msg.Folder, msg.Name, int64(msg.Offset), int(msg.Size), msg.Hash)
		resp := &ResponseMessage{Data: data, Code: responseCodeFor(err)}
		_, sendErr := s.conn.send(ctx, resp, msgID)
		return sendErr

	case *ResponseMessage:
		s.mut.Lock()
		p, ok := s.pending[msgID]
		delete(s.pending, msgID)
		s.mut.Unlock()
		if !ok {
			// No matching in-flight request: stale or duplicate reply, drop it.
			return nil
		}
		p.ch <- responseResult{data: msg.Data, code: msg.Code}
		return nil

	case *PingMessage:
		_, err := s.conn.send(ctx, &PongMessage{}, msgID)
		return err

	case *PongMessage:
		return nil

	case *CloseMessage:
		s.Close(fmt.Errorf("peer closed: %s (%s)", msg.Reason, msg.Code))
		return nil

	default:
		return &ProtocolViolation{Reason: fmt.Sprintf("unexpected message %T", m)}
	}
}

// request sends a RequestMessage and blocks for its Response, honoring
// ctx's deadline and the session's lifetime.
func (s *Session) request(ctx context.Context, req *RequestMessage) ([]byte, ResponseCode, error) {
	s.mut.Lock()
	if s.state == StateClosed {
		s.mut.Unlock()
		return nil, 0, errors.New("protocol: session is closed")
	}
	pr := &pendingRequest{ch: make(chan responseResult, 1)}
	msgID, err := s.conn.send(ctx, req, -1)
	if err != nil {
		s.mut.Unlock()
		return nil, 0, err
	}
	s.pending[msgID] = pr
	s.mut.Unlock()

	select {
	case res := <-pr.ch:
		return res.data, res.code, nil
	case <-ctx.Done():
		s.mut.Lock()
		delete(s.pending, msgID)
		s.mut.Unlock()
		return nil, 0, ctx.Err()
	case <-s.closed:
		return nil, 0, errors.New("protocol: session closed while awaiting response")
	}
}

// recvLoopService reads frames off the Connection and dispatches them
// until the connection fails or the session closes.
type recvLoopService struct{ s *Session }

func (r *recvLoopService) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.s.closed:
			return nil
		default:
		}

		m, msgID, err := r.s.conn.recv()
		if err != nil {
			r.s.fail(ctx, err)
			return err
		}
		if m == nil {
			continue // unknown version or message type: silently skipped
		}
		if err := r.s.dispatch(ctx, m, msgID); err != nil {
			r.s.fail(ctx, err)
			return err
		}
	}
}

// heartbeatService runs every PingIdleTime/2, checking whether either
// direction has been idle for PingIdleTime and, if so, emitting a Ping.
type heartbeatService struct{ s *Session }

func (h *heartbeatService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(PingIdleTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.s.closed:
			return nil
		case now := <-ticker.C:
			recvIdle := now.Sub(h.s.conn.LastReceived()) >= PingIdleTime
			sendIdle := now.Sub(h.s.conn.LastSent()) >= PingIdleTime
			if !recvIdle && !sendIdle {
				continue
			}
			if now.Sub(h.s.conn.LastReceived()) >= 2*PingIdleTime {
				metricHeartbeatMissesTotal.Inc()
				err := fmt.Errorf("protocol: no traffic from peer in %s", 2*PingIdleTime)
				h.s.fail(ctx, err)
				return err
			}
			if _, err := h.s.conn.send(ctx, &PingMessage{}, -1); err != nil {
				h.s.fail(ctx, err)
				return err
			}
			metricHeartbeatsSentTotal.Inc()
		}
	}
}

// fanoutService waits on the Model's update signal and, on each wake,
// pushes an IndexUpdate per shared folder summarizing files the peer
// hasn't seen yet.
type fanoutService struct{ s *Session }

func (f *fanoutService) Serve(ctx context.Context) error {
	for {
		updates := f.s.model.Subscribe()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.s.closed:
			return nil
		case <-updates:
			if f.s.State() != StateReady {
				continue
			}
			for _, folder := range f.s.model.SharedFolders(f.s.id) {
				files := f.s.model.PendingIndexUpdates(f.s.id, folder)
				if len(files) == 0 {
					continue
				}
				msg := &IndexUpdateMessage{IndexMessage: IndexMessage{Folder: folder, Files: files}}
				if _, err := f.s.conn.send(ctx, msg, -1); err != nil {
					f.s.fail(ctx, err)
					return err
				}
			}
		}
	}
}
