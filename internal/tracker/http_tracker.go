package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bencode"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

// HTTPTracker announces over the BEP 3 HTTP(S) tracker protocol: a GET
// request with query parameters, a bencoded dict response.
type HTTPTracker struct {
	baseURL *url.URL
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	trackerID string
}

func NewHTTPTracker(u *url.URL, log *slog.Logger) (*HTTPTracker, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPTracker{
		baseURL: u,
		log:     log,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}, nil
}

func (ht *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = r.TrackerID
		ht.mu.Unlock()
	}

	return r, nil
}

func (ht *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.RLock()
	trackerID := ht.trackerID
	ht.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is %T, want dict", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	interval, err := bencode.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := decodePeers(dict["peers"], false)
	if err != nil {
		return nil, fmt.Errorf("tracker: peers: %w", err)
	}

	minInterval, _ := bencode.ToInt(dict["min interval"])
	seeders, _ := bencode.ToInt(dict["complete"])
	leechers, _ := bencode.ToInt(dict["incomplete"])
	trackerID, _ := bencode.ToString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}
