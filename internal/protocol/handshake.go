package protocol

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

// pstr and its length are fixed by the wire format this client speaks;
// unlike a general-purpose codec there is no variable-pstr negotiation.
const (
	pstr       = "BitTorrent protocol"
	pstrLen    = byte(len(pstr))
	reservedN  = 8
	handshakeWireLen = 1 + int(pstrLen) + reservedN + sha1.Size + sha1.Size
)

// reservedFastExtensionBit is BEP 6's bit in the reserved byte string
// (last byte, bit 0x04). This client never speaks the Fast Extension,
// but it records whether a remote peer advertised it, since that's the
// one piece of information the reserved bytes actually carry.
const reservedFastExtensionBit = 0x04

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

// Handshake is the first exchange on every peer connection: a fixed
// 68-byte frame identifying the protocol, the torrent (info_hash), and
// the sender (peer_id). See §4.3 of the wire format this package
// implements.
type Handshake struct {
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds the local handshake frame for a given torrent and
// local peer id. Reserved bytes are always zero: this client advertises
// no extensions.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// SupportsFastExtension reports whether the reserved bytes advertise
// BEP 6 (Fast Extension) support. This client doesn't implement Fast
// Extension messages; the bit is only surfaced for diagnostics.
func (h *Handshake) SupportsFastExtension() bool {
	return h.Reserved[reservedN-1]&reservedFastExtensionBit != 0
}

func (h *Handshake) encode() []byte {
	buf := make([]byte, handshakeWireLen)
	buf[0] = pstrLen
	offset := 1
	offset += copy(buf[offset:], pstr)
	offset += reservedN // reserved bytes are already zero in buf
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])
	return buf
}

// decodeHandshake parses a full wire-format frame already read into b.
// It does not validate pstr or info_hash; callers validate as part of
// the exchange so that mismatches can be reported with the right
// sentinel error.
func decodeHandshake(b []byte) (gotPstr string, h Handshake) {
	pl := int(b[0])
	rest := b[1:]
	gotPstr = string(rest[:pl])
	rest = rest[pl:]
	copy(h.Reserved[:], rest[:reservedN])
	rest = rest[reservedN:]
	copy(h.InfoHash[:], rest[:sha1.Size])
	copy(h.PeerID[:], rest[sha1.Size:])
	return gotPstr, h
}

// Exchange writes the local handshake to rw, reads the remote peer's
// handshake, and validates its protocol string and (if requested) info
// hash. The remote peer_id is never validated, per the wire contract.
func (h *Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := rw.Write(h.encode()); err != nil {
		return Handshake{}, fmt.Errorf("handshake: write: %w", err)
	}

	var lenByte [1]byte
	if _, err := io.ReadFull(rw, lenByte[:]); err != nil {
		return Handshake{}, wrapShortRead(err)
	}
	pl := int(lenByte[0])

	rest := make([]byte, pl+reservedN+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(rw, rest); err != nil {
		return Handshake{}, wrapShortRead(err)
	}

	frame := append(lenByte[:], rest...)
	gotPstr, remote := decodeHandshake(frame)

	if gotPstr != pstr {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return remote, nil
}

func wrapShortRead(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrShortHandshake
	}
	return fmt.Errorf("handshake: read: %w", err)
}
