// Package config holds process-wide, hot-swappable client configuration.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"sync/atomic"
	"time"
)

// Config defines behavior and resource limits for a download session.
type Config struct {
	// ClientID is our 20-byte peer id, sent in every handshake.
	ClientID [sha1.Size]byte

	// Port is the TCP port advertised to trackers. This client never
	// listens for incoming connections (leech-only), but trackers still
	// expect a port in the announce.
	Port uint16

	// DialTimeout bounds establishing a new peer TCP connection.
	DialTimeout time.Duration

	// ReadTimeout/WriteTimeout bound a single socket read or write.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeepAliveInterval is added to ReadTimeout to form a peer session's
	// read deadline, so a connection may sit idle that much longer before
	// it is dropped. Sessions do not send keep-alive frames themselves.
	KeepAliveInterval time.Duration

	// MaxPeers is the maximum number of concurrent peer sessions.
	MaxPeers int

	// MinActivePeers triggers a supplementary tracker announce when the
	// number of Active sessions drops below it.
	MinActivePeers int

	// MaxOutstandingRequests records the per-session pipeline depth. The
	// cap itself is enforced by peer.MaxOutstandingRequests, a constant
	// of the same value; peer sessions do not read this field.
	MaxOutstandingRequests int

	// NumWant is the number of peers requested per announce.
	NumWant uint32

	// AnnounceInterval is the default interval between tracker
	// announces when the tracker does not specify one.
	AnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff after failed
	// announces.
	MaxAnnounceBackoff time.Duration

	// PeerOutboundQueueBacklog bounds each peer session's outbound
	// message buffer.
	PeerOutboundQueueBacklog int

	// ProgressInterval is how often the CLI renders a progress line.
	ProgressInterval time.Duration

	// BlockTimeout is the age limit for a requested-but-unanswered block.
	// No code reads it: requested blocks return to wanted only when the
	// peer session that requested them disconnects.
	BlockTimeout time.Duration
}

func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ClientID:                 clientID,
		Port:                     6881,
		DialTimeout:              10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		KeepAliveInterval:        90 * time.Second,
		MaxPeers:                 50,
		MinActivePeers:           5,
		MaxOutstandingRequests:   5,
		NumWant:                  50,
		AnnounceInterval:         30 * time.Minute,
		MaxAnnounceBackoff:       45 * time.Minute,
		PeerOutboundQueueBacklog: 256,
		ProgressInterval:         5 * time.Second,
		BlockTimeout:             30 * time.Second,
	}, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-RB0010-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}

var current atomic.Value

// Init seeds the global config with defaults. It must be called once
// before the first Load.
func Init() error {
	cfg, err := defaultConfig()
	if err != nil {
		return err
	}

	current.Store(&cfg)
	return nil
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	v, _ := current.Load().(*Config)
	if v == nil {
		cfg, _ := defaultConfig()
		return &cfg
	}
	return v
}

// Update applies mut to a copy of the current config and swaps it in
// atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	current.Store(&next)
	return &next
}
