// Package piece owns block-level accounting and verification for every
// piece of a torrent: which blocks have been requested or received,
// when a piece is complete, and whether its bytes are genuine.
package piece

import (
	"crypto/sha1"
	"sync"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/torrent"
)

// IngestResult reports the outcome of delivering block bytes to the
// store.
type IngestResult int

const (
	Accepted IngestResult = iota
	Rejected
	AlreadyComplete
)

func (r IngestResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case AlreadyComplete:
		return "already-complete"
	default:
		return "unknown"
	}
}

type blockState int

const (
	blockEmpty blockState = iota
	blockRequested
	blockReceived
)

type block struct {
	begin  int64
	length int64
	state  blockState
}

type piece struct {
	index  int
	length int64
	hash   [sha1.Size]byte
	buf    []byte
	blocks []block
	done   bool
}

func (p *piece) missingCount() int {
	n := 0
	for i := range p.blocks {
		if p.blocks[i].state == blockEmpty {
			n++
		}
	}
	return n
}

// Stats is a point-in-time snapshot of download progress.
type Stats struct {
	TotalPieces     int
	CompletedPieces int
	BytesDownloaded int64
	TotalBytes      int64
	Percent         float64
}

// OnPieceCompleted is invoked exactly once per piece, the moment its
// digest verifies. data is an independent copy of the piece bytes.
type OnPieceCompleted func(pieceIndex int, data []byte)

// Store is the piece/block accounting layer. All mutating operations
// are serialized by a single mutex; NextRequest and Ingest may be
// called concurrently from many peer-session contexts.
type Store struct {
	mu sync.Mutex

	pieces     []*piece
	totalBytes int64
	downloaded int64
	completed  int

	onComplete OnPieceCompleted
}

// NewStore builds a Store sized to desc, with every piece initially
// Empty. onComplete may be nil.
func NewStore(desc *torrent.Descriptor, onComplete OnPieceCompleted) *Store {
	count := desc.PieceCountTotal()
	pieces := make([]*piece, count)

	for i := 0; i < count; i++ {
		length := desc.PieceLengthOf(i)
		blockCount := torrent.BlockCount(length)
		blocks := make([]block, blockCount)
		for b := 0; b < blockCount; b++ {
			begin, blen := torrent.BlockBounds(length, b)
			blocks[b] = block{begin: begin, length: blen}
		}

		pieces[i] = &piece{
			index:  i,
			length: length,
			hash:   desc.PieceHashes[i],
			buf:    make([]byte, length),
			blocks: blocks,
		}
	}

	return &Store{
		pieces:     pieces,
		totalBytes: desc.TotalLength,
		onComplete: onComplete,
	}
}

// Ingest delivers block bytes at (pieceIndex, offset). A block must
// exist at exactly that (offset, len(data)); otherwise the call is
// Rejected without mutating state. Duplicate ingestion of an
// already-received block is idempotent and returns Accepted.
func (s *Store) Ingest(pieceIndex int, offset int64, data []byte) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return Rejected
	}
	p := s.pieces[pieceIndex]
	if p.done {
		return AlreadyComplete
	}

	idx := -1
	for i := range p.blocks {
		if p.blocks[i].begin == offset && p.blocks[i].length == int64(len(data)) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Rejected
	}

	if p.blocks[idx].state == blockReceived {
		return Accepted
	}

	copy(p.buf[offset:offset+int64(len(data))], data)
	p.blocks[idx].state = blockReceived

	if allReceived(p) {
		s.verify(p)
	}

	return Accepted
}

func allReceived(p *piece) bool {
	for i := range p.blocks {
		if p.blocks[i].state != blockReceived {
			return false
		}
	}
	return true
}

// verify must be called with s.mu held.
func (s *Store) verify(p *piece) {
	sum := sha1.Sum(p.buf)
	if sum != p.hash {
		for i := range p.blocks {
			p.blocks[i].state = blockEmpty
		}
		for i := range p.buf {
			p.buf[i] = 0
		}
		return
	}

	p.done = true
	s.completed++
	s.downloaded += p.length

	if s.onComplete != nil {
		cp := make([]byte, len(p.buf))
		copy(cp, p.buf)
		s.onComplete(p.index, cp)
	}
}

// NextRequest selects the next block to request among pieces present
// in available and not yet complete, using a fewest-missing-blocks
// heuristic broken by ascending piece index. The chosen block is
// atomically transitioned to requested.
func (s *Store) NextRequest(available bitfield.Bitfield) (pieceIndex int, offset, length int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	bestMissing := -1

	for i, p := range s.pieces {
		if p.done {
			continue
		}
		if !available.Has(i) {
			continue
		}
		missing := p.missingCount()
		if missing == 0 {
			continue
		}
		if best == -1 || missing < bestMissing {
			best = i
			bestMissing = missing
		}
	}

	if best == -1 {
		return 0, 0, 0, false
	}

	p := s.pieces[best]
	for i := range p.blocks {
		if p.blocks[i].state == blockEmpty {
			p.blocks[i].state = blockRequested
			return p.index, p.blocks[i].begin, p.blocks[i].length, true
		}
	}

	return 0, 0, 0, false
}

// ResetPieceRequests clears the requested state for every non-received
// block of pieceIndex, returning those blocks to Empty so they can be
// requested again.
func (s *Store) ResetPieceRequests(pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return
	}
	p := s.pieces[pieceIndex]
	for i := range p.blocks {
		if p.blocks[i].state == blockRequested {
			p.blocks[i].state = blockEmpty
		}
	}
}

// IsComplete reports whether every piece has verified.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed == len(s.pieces)
}

// Stats returns a snapshot of current progress.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var percent float64
	if s.totalBytes > 0 {
		percent = float64(s.downloaded) / float64(s.totalBytes) * 100
	}

	return Stats{
		TotalPieces:     len(s.pieces),
		CompletedPieces: s.completed,
		BytesDownloaded: s.downloaded,
		TotalBytes:      s.totalBytes,
		Percent:         percent,
	}
}
