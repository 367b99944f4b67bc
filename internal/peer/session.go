// Package peer implements a single outbound BitTorrent peer connection:
// the fixed-length handshake, the length-prefixed message loop, choke
// and interest bookkeeping, and the 5-request flow-control window.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// State is a position in the session's linear state machine. Disconnected
// is terminal and absorbs every other state.
type State int

const (
	Dialing State = iota
	Handshaking
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MaxOutstandingRequests bounds in-flight block requests per session, per
// the wire-protocol flow-control contract.
const MaxOutstandingRequests = 5

type pendingRequest struct {
	pieceIndex int
	begin      int64
	length     int64
}

// Callbacks are the hooks a Session uses to report events upward. They
// are passed to New and not changed afterwards.
type Callbacks struct {
	// OnBlock is invoked from the session's own read loop whenever a
	// piece message is delivered.
	OnBlock func(pieceIndex int, begin int64, data []byte)
	// OnDisconnect is invoked exactly once when the session transitions
	// to Disconnected, with the piece indices that had an outstanding
	// request from this session at the time.
	OnDisconnect func(s *Session, pendingPieces []int)
}

// Session owns one outbound peer TCP connection.
type Session struct {
	addr     netip.AddrPort
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte
	cfg      *config.Config
	log      *slog.Logger
	cb       Callbacks

	mu             sync.Mutex
	state          State
	conn           net.Conn
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	availability   bitfield.Bitfield
	pending        []pendingRequest

	outbox    chan *protocol.Message
	closeOnce sync.Once

	bytesDownloaded atomic.Int64
}

// New constructs a Session in the Dialing state. pieceCount sizes the
// peer's availability bitmap.
func New(addr netip.AddrPort, infoHash, clientID [sha1.Size]byte, pieceCount int, cfg *config.Config, log *slog.Logger, cb Callbacks) *Session {
	if log == nil {
		log = slog.Default()
	}

	return &Session{
		addr:         addr,
		infoHash:     infoHash,
		clientID:     clientID,
		cfg:          cfg,
		log:          log.With("peer", addr.String()),
		cb:           cb,
		state:        Dialing,
		amChoking:    true,
		peerChoking:  true,
		availability: bitfield.New(pieceCount),
		outbox:       make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
	}
}

// Endpoint returns the remote address this session connects to.
func (s *Session) Endpoint() netip.AddrPort { return s.addr }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Availability returns a copy of the peer's advertised piece bitmap.
func (s *Session) Availability() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availability.Clone()
}

// BytesDownloaded returns the cumulative number of piece-message payload
// bytes received from this peer.
func (s *Session) BytesDownloaded() int64 { return s.bytesDownloaded.Load() }

// Run dials, performs the handshake, and then services the connection
// until it disconnects or ctx is canceled. It returns nil on a clean
// disconnect; callers typically ignore the error and rely on State().
func (s *Session) Run(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		s.disconnect(nil)
		return err
	}
	if err := s.handshake(); err != nil {
		s.disconnect(nil)
		return err
	}

	s.mu.Lock()
	s.state = Active
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()
	s.disconnect(nil)
	return err
}

func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	s.state = Dialing
	s.mu.Unlock()

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr.String())
	if err != nil {
		return fmt.Errorf("peer: dial %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) handshake() error {
	s.mu.Lock()
	s.state = Handshaking
	conn := s.conn
	s.mu.Unlock()

	conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
	defer conn.SetDeadline(time.Time{})

	local := protocol.NewHandshake(s.infoHash, s.clientID)
	if _, err := local.Exchange(conn, true); err != nil {
		return fmt.Errorf("peer: handshake: %w", err)
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout + s.cfg.KeepAliveInterval))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("peer: read: %w", err)
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := msg.ValidatePayloadSize(); err != nil {
			s.log.Debug("dropping malformed message", "id", msg.ID, "error", err)
			continue
		}

		s.handleMessage(msg)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return fmt.Errorf("peer: write: %w", err)
			}
		}
	}
}

func (s *Session) handleMessage(msg *protocol.Message) {
	switch msg.ID {
	case protocol.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()

	case protocol.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()

	case protocol.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()

	case protocol.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()

	case protocol.Have:
		if idx, ok := msg.ParseHave(); ok {
			s.mu.Lock()
			s.availability.Set(int(idx))
			s.mu.Unlock()
		}

	case protocol.Bitfield:
		s.mu.Lock()
		s.availability = bitfield.FromBytes(msg.Payload)
		s.mu.Unlock()

	case protocol.Request, protocol.Cancel:
		// No upload path; remote requests are ignored.

	case protocol.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return
		}
		s.resolvePending(int(idx), int64(begin), int64(len(block)))
		s.bytesDownloaded.Add(int64(len(block)))
		if s.cb.OnBlock != nil {
			s.cb.OnBlock(int(idx), int64(begin), block)
		}

	default:
		// Unknown tags are silently skipped; the frame is already
		// fully consumed by ReadMessage.
	}
}

func (s *Session) resolvePending(pieceIndex int, begin, length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pending {
		if p.pieceIndex == pieceIndex && p.begin == begin && p.length == length {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
	// No matching pending entry: the block is still delivered to the
	// Piece Store by the caller, but the pending set is left unchanged.
}

// CanRequest reports the flow-control predicate: Active, not choked by
// the peer, we're interested, and fewer than MaxOutstandingRequests are
// outstanding.
func (s *Session) CanRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRequestLocked()
}

func (s *Session) canRequestLocked() bool {
	return s.state == Active && !s.peerChoking && s.amInterested && len(s.pending) < MaxOutstandingRequests
}

// RequestPiece attempts to request a block. It returns false (refused)
// without sending any bytes if CanRequest() doesn't hold or the peer
// doesn't advertise pieceIndex.
func (s *Session) RequestPiece(pieceIndex int, begin, length int64) bool {
	s.mu.Lock()
	if !s.canRequestLocked() || !s.availability.Has(pieceIndex) {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, pendingRequest{pieceIndex, begin, length})
	s.mu.Unlock()

	s.enqueue(protocol.MessageRequest(uint32(pieceIndex), uint32(begin), uint32(length)))
	return true
}

// SendInterested transmits INTERESTED exactly once per transition to
// interested.
func (s *Session) SendInterested() {
	s.mu.Lock()
	if s.amInterested {
		s.mu.Unlock()
		return
	}
	s.amInterested = true
	s.mu.Unlock()

	s.enqueue(protocol.MessageInterested())
}

// SendNotInterested transmits NOT_INTERESTED exactly once per transition
// away from interested.
func (s *Session) SendNotInterested() {
	s.mu.Lock()
	if !s.amInterested {
		s.mu.Unlock()
		return
	}
	s.amInterested = false
	s.mu.Unlock()

	s.enqueue(protocol.MessageNotInterested())
}

func (s *Session) enqueue(msg *protocol.Message) {
	select {
	case s.outbox <- msg:
	default:
		s.log.Warn("outbound queue full, dropping message", "id", msg.ID)
	}
}

// Disconnect closes the session's socket exactly once and reports the
// piece indices that had an outstanding request to OnDisconnect.
func (s *Session) Disconnect() { s.disconnect(nil) }

func (s *Session) disconnect(_ error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Disconnected
		conn := s.conn
		pending := s.pending
		s.pending = nil
		close(s.outbox)
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		seen := make(map[int]bool)
		var pieces []int
		for _, p := range pending {
			if !seen[p.pieceIndex] {
				seen[p.pieceIndex] = true
				pieces = append(pieces, p.pieceIndex)
			}
		}

		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(s, pieces)
		}
	})
}
