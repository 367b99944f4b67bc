// Package tracker is the external collaborator that turns an announce
// request into a list of peer endpoints, trying an ordered list of
// tracker tiers (BEP 12) over HTTP(S) or UDP.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AnnounceParams carries everything the engine reports about its
// current transfer state to the external tracker.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
	Port       uint16
	Key        uint32
}

// AnnounceResponse is what the engine consumes from a successful
// announce: peer endpoints and timing hints.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Event is the announce event reported to the tracker.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return "none"
	}
}

// Protocol is implemented by a concrete HTTP or UDP tracker client.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Tracker tries each URL in an ordered list of tiers until one
// announces successfully, matching BEP 12's tiered fallback: a
// successful URL is promoted to the front of its tier for next time.
type Tracker struct {
	mu       sync.Mutex
	tiers    [][]*url.URL
	clients  map[string]Protocol
	log      *slog.Logger
	newUDP   func(*url.URL, *slog.Logger) (Protocol, error)
	newHTTP  func(*url.URL, *slog.Logger) (Protocol, error)
}

// New builds a Tracker from a primary announce URL and an optional
// BEP-12 announce-list. At least one valid tracker URL must be present.
func New(announce string, announceList [][]string, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}

	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	return &Tracker{
		tiers:   tiers,
		clients: make(map[string]Protocol),
		log:     log.With("component", "tracker"),
		newHTTP: func(u *url.URL, l *slog.Logger) (Protocol, error) { return NewHTTPTracker(u, l) },
		newUDP:  func(u *url.URL, l *slog.Logger) (Protocol, error) { return NewUDPTracker(u, l) },
	}, nil
}

// Announce tries every tier in order, and within a tier every URL in
// order, returning the first successful response.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			client, err := t.clientFor(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := client.Announce(ctx, params)
			if err != nil {
				lastErr = err
				t.log.Debug("announce failed", "url", u.String(), "error", err)
				continue
			}

			t.promote(tierIdx, i)
			t.log.Info("announce ok", "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}

		t.log.Debug("tier exhausted", "tier", tierIdx)
	}

	if lastErr == nil {
		lastErr = errors.New("tracker: no announce urls configured")
	}
	return nil, fmt.Errorf("tracker: all tiers exhausted: %w", lastErr)
}

func (t *Tracker) snapshotTier(idx int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[idx]...)
}

func (t *Tracker) promote(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) clientFor(u *url.URL) (Protocol, error) {
	key := u.String()

	t.mu.Lock()
	c, ok := t.clients[key]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host)

	var (
		client Protocol
		err    error
	)
	switch u.Scheme {
	case "http", "https":
		client, err = t.newHTTP(u, log)
	case "udp":
		client, err = t.newUDP(u, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.clients[key] = client
	t.mu.Unlock()
	return client, nil
}

func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	var tiers [][]*url.URL

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, raw := range tier {
			if u, ok := parseTrackerURL(raw); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}
