// Package listener accepts mutually authenticated TLS connections and
// starts a protocol.Session for each one.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/thejerf/suture/v4"

	"github.com/bepfleet/bepd/logger"
	"github.com/bepfleet/bepd/model"
	"github.com/bepfleet/bepd/protocol"
)

var log = logger.DefaultLogger.NewFacility("listener", "TLS accept loop and session startup")

var (
	metricAcceptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bepd",
		Subsystem: "listener",
		Name:      "accepts_total",
	}, []string{"result"})
)

// Listener accepts connections on a TLS listener, rejects connections from
// the local device or an already-connected peer, and hands everything else
// to a new protocol.Session under its supervision.
type Listener struct {
	sup *suture.Supervisor

	addr      string
	tlsConfig *tls.Config
	local     protocol.DeviceID
	model     *model.Model
	compression protocol.Compression
}

// New returns a Listener bound to addr, not yet accepting connections
// until Serve is called (directly, or via a suture.Supervisor it's added
// to).
func New(addr string, tlsConfig *tls.Config, local protocol.DeviceID, m *model.Model, compression protocol.Compression) *Listener {
	return &Listener{
		addr:        addr,
		tlsConfig:   tlsConfig,
		local:       local,
		model:       m,
		compression: compression,
	}
}

// Serve implements suture.Service: it listens on l.addr until ctx is
// canceled, accepting and dispatching connections as they arrive.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := tls.Listen("tcp", l.addr, l.tlsConfig)
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.sup = suture.New("sessions", suture.Spec{})
	supDone := make(chan error, 1)
	go func() { supDone <- l.sup.Serve(ctx) }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-supDone
				return ctx.Err()
			default:
				return fmt.Errorf("listener: accept: %w", err)
			}
		}
		if err := l.handle(ctx, conn); err != nil {
			log.Warnf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
			metricAcceptsTotal.WithLabelValues("rejected").Inc()
			conn.Close()
			continue
		}
		metricAcceptsTotal.WithLabelValues("accepted").Inc()
	}
}

// handle extracts the peer's DeviceID from its TLS certificate, rejects
// self-connections and duplicates, and starts a Session supervised
// alongside the other live sessions.
func (l *Listener) handle(ctx context.Context, conn net.Conn) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return fmt.Errorf("not a TLS connection")
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("no peer certificate presented")
	}
	peerID := protocol.NewDeviceID(state.PeerCertificates[0].Raw)

	if peerID == l.local {
		return fmt.Errorf("connection from self (%s)", peerID)
	}
	if l.model.IsConnected(peerID) {
		return fmt.Errorf("duplicate connection from %s", peerID)
	}

	pconn := protocol.NewConnection(peerID, conn, l.compression, nil)
	session := protocol.NewSession(peerID, pconn, l.model)
	l.model.AddSession(peerID, session)

	l.sup.Add(&sessionService{session: session})
	return nil
}

// sessionService adapts a *protocol.Session to suture.Service so the
// per-connection session tree is supervised the same way the listener's
// accept loop is.
type sessionService struct {
	session *protocol.Session
}

func (s *sessionService) Serve(ctx context.Context) error {
	return s.session.Start(ctx)
}
