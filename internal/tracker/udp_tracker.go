package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// BEP 15 UDP tracker protocol constants.
const (
	protocolMagic   = 0x41727101980
	baseBackoff     = 15 * time.Second
	connectionIDTTL = 60 * time.Second
	maxRetries      = 8
	maxUDPPacket    = 4096
)

const (
	actionConnect uint32 = iota
	actionAnnounce
	actionScrape
	actionError
)

var (
	errActionMismatch        = errors.New("tracker: udp action mismatch")
	errTransactionIDMismatch = errors.New("tracker: udp transaction id mismatch")
	errPacketTooShort        = errors.New("tracker: udp packet too short")
	errAttemptsExhausted     = errors.New("tracker: udp exhausted all attempts")
)

// UDPTracker announces over the BEP 15 UDP tracker protocol: a
// connect handshake followed by an announce request, both using a
// transaction id to correlate request/response over the unreliable
// transport.
type UDPTracker struct {
	log *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	key       uint32
	connID    uint64
	connIDTTL time.Time
	readBuf   []byte
}

func NewUDPTracker(u *url.URL, log *slog.Logger) (*UDPTracker, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}

	key, err := randU32()
	if err != nil {
		return nil, err
	}

	return &UDPTracker{
		conn:    conn,
		key:     key,
		log:     log,
		readBuf: make([]byte, maxUDPPacket),
	}, nil
}

func (ut *UDPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if time.Now().After(ut.connIDTTL) {
		if err := ut.performConnect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := ut.performAnnounce(ctx, params)
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionIDMismatch) {
		ut.log.Warn("udp connection id stale, reconnecting", "error", err)
		ut.connIDTTL = time.Time{}

		if err := ut.performConnect(ctx); err != nil {
			return nil, err
		}
		return ut.performAnnounce(ctx, params)
	}

	return nil, err
}

func (ut *UDPTracker) performConnect(ctx context.Context) error {
	for n := 0; n < maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout, err := getTimeout(ctx, n)
		if err != nil {
			return err
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		transactionID, err := randU32()
		if err != nil {
			continue
		}
		if err := ut.sendConnectPacket(transactionID); err != nil {
			ut.log.Debug("udp connect send error", "error", err, "retry", n)
			continue
		}

		connID, err := ut.readConnectPacket(transactionID)
		if err != nil {
			ut.log.Debug("udp connect read error", "error", err, "retry", n)
			continue
		}

		ut.connID = connID
		ut.connIDTTL = time.Now().Add(connectionIDTTL)
		return nil
	}

	return errAttemptsExhausted
}

func (ut *UDPTracker) performAnnounce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	for n := 0; n < maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timeout, err := getTimeout(ctx, n)
		if err != nil {
			return nil, err
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		transactionID, err := randU32()
		if err != nil {
			continue
		}
		if err := ut.sendAnnouncePacket(transactionID, params); err != nil {
			ut.log.Debug("udp announce send error", "error", err, "retry", n)
			continue
		}

		resp, err := ut.readAnnouncePacket(transactionID)
		if err != nil {
			if errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionIDMismatch) {
				return nil, err
			}
			continue
		}

		return resp, nil
	}

	return nil, errAttemptsExhausted
}

func (ut *UDPTracker) sendConnectPacket(transactionID uint32) error {
	var packet [16]byte
	binary.BigEndian.PutUint64(packet[0:8], protocolMagic)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], transactionID)
	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *UDPTracker) readConnectPacket(transactionID uint32) (uint64, error) {
	var packet [16]byte
	nread, err := ut.conn.Read(packet[:])
	if err != nil {
		return 0, err
	}
	if nread < 16 {
		return 0, errPacketTooShort
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return 0, fmt.Errorf("tracker: udp error %s", packet[8:nread])
	}
	if action != actionConnect {
		return 0, errActionMismatch
	}
	if binary.BigEndian.Uint32(packet[4:8]) != transactionID {
		return 0, errTransactionIDMismatch
	}

	return binary.BigEndian.Uint64(packet[8:16]), nil
}

func (ut *UDPTracker) sendAnnouncePacket(transactionID uint32, params *AnnounceParams) error {
	var packet [98]byte
	binary.BigEndian.PutUint64(packet[0:8], ut.connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], transactionID)
	copy(packet[16:36], params.InfoHash[:])
	copy(packet[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(packet[64:72], params.Left)
	binary.BigEndian.PutUint64(packet[72:80], params.Uploaded)
	var event uint32 // BEP 15: 0 none, 1 completed, 2 started, 3 stopped
	switch params.Event {
	case EventCompleted:
		event = 1
	case EventStarted:
		event = 2
	case EventStopped:
		event = 3
	}
	binary.BigEndian.PutUint32(packet[80:84], event)
	binary.BigEndian.PutUint32(packet[84:88], 0) // IP: default
	binary.BigEndian.PutUint32(packet[88:92], params.Key)
	binary.BigEndian.PutUint32(packet[92:96], params.NumWant)
	binary.BigEndian.PutUint16(packet[96:98], params.Port)

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *UDPTracker) readAnnouncePacket(transactionID uint32) (*AnnounceResponse, error) {
	nread, err := ut.conn.Read(ut.readBuf)
	if err != nil {
		return nil, err
	}

	packet := ut.readBuf[:nread]
	if nread < 20 {
		return nil, errPacketTooShort
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return nil, fmt.Errorf("tracker: udp error %s", packet[8:nread])
	}
	if action != actionAnnounce {
		return nil, errActionMismatch
	}
	if binary.BigEndian.Uint32(packet[4:8]) != transactionID {
		return nil, errTransactionIDMismatch
	}

	interval := binary.BigEndian.Uint32(packet[8:12])
	leechers := binary.BigEndian.Uint32(packet[12:16])
	seeders := binary.BigEndian.Uint32(packet[16:20])

	peers, err := decodePeers(packet[20:], false)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int64(leechers),
		Seeders:  int64(seeders),
		Peers:    peers,
	}, nil
}

func randU32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getTimeout(ctx context.Context, n int) (time.Duration, error) {
	timeout := baseBackoff * (1 << n)

	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remain < timeout {
			return remain, nil
		}
	}

	return timeout, nil
}
