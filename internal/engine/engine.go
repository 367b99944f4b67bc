// Package engine is the Orchestrator: it maintains the peer session
// map, drives periodic tracker announces, dispatches block requests
// across Active sessions, reaps dead sessions, and reports completion.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/storage"
	"github.com/prxssh/rabbit/internal/torrent"
	"github.com/prxssh/rabbit/internal/tracker"
)

// Engine owns the peer session map and drives the per-second
// orchestration loop described by the client's design: announce
// scheduling, request dispatch, and dead-session reaping.
type Engine struct {
	desc    *torrent.Descriptor
	store   *piece.Store
	writer  *storage.Writer
	tracker *tracker.Tracker
	cfg     *config.Config
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[netip.AddrPort]*peer.Session
	wg       sync.WaitGroup

	lastAnnounce     time.Time
	announceInFlight bool
	announceBackoff  time.Duration
	firstAnnounce    bool
	completedSent    bool

	announceResults chan announceOutcome
}

type announceOutcome struct {
	resp *tracker.AnnounceResponse
	err  error
}

// New builds an Engine for desc, rooted at downloadDir on disk.
func New(desc *torrent.Descriptor, downloadDir string, cfg *config.Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine", "torrent", desc.Name)

	e := &Engine{
		desc:             desc,
		cfg:              cfg,
		log:              log,
		sessions:         make(map[netip.AddrPort]*peer.Session),
		announceBackoff:  cfg.AnnounceInterval,
		firstAnnounce:    true,
		announceResults:  make(chan announceOutcome, 1),
	}

	writer, err := storage.New(desc, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.writer = writer

	e.store = piece.NewStore(desc, e.onPieceCompleted)

	tr, err := tracker.New(desc.Announce, desc.AnnounceList, log)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.tracker = tr

	return e, nil
}

// Run drives the orchestration loop until ctx is canceled or the
// download completes, then shuts down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	e.log.Info("engine starting", "pieces", e.store.Stats().TotalPieces, "bytes", e.desc.TotalLength)

	for {
		if e.store.IsComplete() {
			e.sendCompletedOnce(ctx)
			e.log.Info("download complete")
			e.shutdown(ctx)
			return nil
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping", "reason", ctx.Err())
			e.shutdown(ctx)
			return ctx.Err()

		case outcome := <-e.announceResults:
			e.handleAnnounceOutcome(outcome)

		case <-ticker.C:
			e.step(ctx)
		}
	}
}

func (e *Engine) step(ctx context.Context) {
	e.mu.Lock()
	activeCount := 0
	for _, s := range e.sessions {
		if s.State() == peer.Active {
			activeCount++
		}
	}
	total := len(e.sessions)
	e.mu.Unlock()

	dueForAnnounce := time.Since(e.lastAnnounce) >= e.announceBackoff
	needsSupplement := activeCount < e.cfg.MinActivePeers && total < e.cfg.MaxPeers

	if (dueForAnnounce || needsSupplement) && !e.announceInFlight {
		e.initiateAnnounce(ctx)
	}

	e.dispatchRequests()
	e.reapDisconnected()
}

func (e *Engine) initiateAnnounce(ctx context.Context) {
	event := tracker.EventNone
	if e.firstAnnounce {
		event = tracker.EventStarted
	}

	params := e.announceParams(event)
	e.announceInFlight = true
	e.lastAnnounce = time.Now()
	e.firstAnnounce = false

	go func() {
		resp, err := e.tracker.Announce(ctx, params)
		select {
		case e.announceResults <- announceOutcome{resp: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleAnnounceOutcome(o announceOutcome) {
	e.announceInFlight = false

	if o.err != nil {
		e.log.Warn("tracker announce failed", "error", o.err)
		e.announceBackoff = minDuration(e.announceBackoff*2, e.cfg.MaxAnnounceBackoff)
		return
	}

	e.announceBackoff = e.cfg.AnnounceInterval
	if o.resp.Interval > 0 {
		e.announceBackoff = o.resp.Interval
	}

	e.log.Info("tracker announce ok", "peers", len(o.resp.Peers))
	e.addSessions(o.resp.Peers)
}

func (e *Engine) addSessions(peers []netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, addr := range peers {
		if len(e.sessions) >= e.cfg.MaxPeers {
			return
		}
		if _, exists := e.sessions[addr]; exists {
			continue
		}

		sess := peer.New(addr, e.desc.InfoHash, e.cfg.ClientID, e.store.Stats().TotalPieces, e.cfg, e.log, peer.Callbacks{
			OnBlock:      e.onBlock,
			OnDisconnect: e.onDisconnect,
		})
		e.sessions[addr] = sess

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := sess.Run(context.Background()); err != nil {
				e.log.Debug("peer session ended", "peer", addr, "error", err)
			}
		}()
	}
}

func (e *Engine) dispatchRequests() {
	e.mu.Lock()
	sessions := make([]*peer.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if s.State() != peer.Active {
			continue
		}
		s.SendInterested()
		if !s.CanRequest() {
			continue
		}

		avail := s.Availability()
		pieceIndex, offset, length, ok := e.store.NextRequest(avail)
		if !ok {
			continue
		}

		s.RequestPiece(pieceIndex, offset, length)
	}
}

func (e *Engine) reapDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for addr, s := range e.sessions {
		if s.State() == peer.Disconnected {
			delete(e.sessions, addr)
		}
	}
}

func (e *Engine) onBlock(pieceIndex int, begin int64, data []byte) {
	e.store.Ingest(pieceIndex, begin, data)
}

func (e *Engine) onDisconnect(s *peer.Session, pendingPieces []int) {
	for _, idx := range pendingPieces {
		e.store.ResetPieceRequests(idx)
	}
}

func (e *Engine) onPieceCompleted(pieceIndex int, data []byte) {
	if err := e.writer.WritePiece(pieceIndex, data); err != nil {
		e.log.Warn("write piece failed", "piece", pieceIndex, "error", err)
	}
}

func (e *Engine) announceParams(event tracker.Event) *tracker.AnnounceParams {
	stats := e.store.Stats()
	left := stats.TotalBytes - stats.BytesDownloaded
	if left < 0 {
		left = 0
	}

	return &tracker.AnnounceParams{
		InfoHash:   e.desc.InfoHash,
		PeerID:     e.cfg.ClientID,
		Uploaded:   0,
		Downloaded: uint64(stats.BytesDownloaded),
		Left:       uint64(left),
		Event:      event,
		NumWant:    e.cfg.NumWant,
		Port:       e.cfg.Port,
	}
}

func (e *Engine) sendCompletedOnce(ctx context.Context) {
	if e.completedSent {
		return
	}
	e.completedSent = true

	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := e.tracker.Announce(actx, e.announceParams(tracker.EventCompleted)); err != nil {
		e.log.Debug("completed announce failed", "error", err)
	}
}

// shutdown disconnects every session, closes the File Writer, and
// issues a best-effort stopped announce.
func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	sessions := make([]*peer.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	e.wg.Wait()

	if err := e.writer.Close(); err != nil {
		e.log.Warn("close file writer failed", "error", err)
	}

	actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.tracker.Announce(actx, e.announceParams(tracker.EventStopped)); err != nil {
		e.log.Debug("stopped announce failed", "error", err)
	}
}

// Stats returns the underlying Piece Store's progress snapshot.
func (e *Engine) Stats() piece.Stats { return e.store.Stats() }

// VerifyIntegrity reports whether every file in the torrent's file map
// exists at its expected size on disk.
func (e *Engine) VerifyIntegrity() bool { return e.writer.VerifyFileIntegrity() }

// ActivePeers reports the number of sessions currently Active.
func (e *Engine) ActivePeers() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range e.sessions {
		if s.State() == peer.Active {
			n++
		}
	}
	return n
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
