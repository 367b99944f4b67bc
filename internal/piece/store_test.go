package piece

import (
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/torrent"
)

func descriptorFor(t *testing.T, pieceLen int64, data []byte) *torrent.Descriptor {
	t.Helper()

	count := int((int64(len(data)) + pieceLen - 1) / pieceLen)
	hashes := make([][sha1.Size]byte, count)
	for i := 0; i < count; i++ {
		start := int64(i) * pieceLen
		end := start + pieceLen
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes[i] = sha1.Sum(data[start:end])
	}

	return &torrent.Descriptor{
		Name:        "t",
		PieceLength: pieceLen,
		PieceHashes: hashes,
		TotalLength: int64(len(data)),
		Files:       []torrent.FileEntry{{Path: "t", Length: int64(len(data))}},
	}
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestIngest_CompletesAndFiresCallbackOnce(t *testing.T) {
	data := make([]byte, 32768)
	for i := range data {
		data[i] = byte(i)
	}
	desc := descriptorFor(t, 16384, data)

	var mu sync.Mutex
	var completed []int
	store := NewStore(desc, func(idx int, b []byte) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, idx)
	})

	if r := store.Ingest(1, 0, data[16384:32768]); r != Accepted {
		t.Fatalf("ingest piece 1 = %v", r)
	}
	if r := store.Ingest(0, 0, data[0:16384]); r != Accepted {
		t.Fatalf("ingest piece 0 = %v", r)
	}

	if !store.IsComplete() {
		t.Fatalf("expected store complete")
	}
	if len(completed) != 2 {
		t.Fatalf("callback fired %d times, want 2", len(completed))
	}
}

func TestIngest_CorruptionResetsToEmpty(t *testing.T) {
	data := make([]byte, 16384)
	desc := descriptorFor(t, 16384, data)

	var callbackFired bool
	store := NewStore(desc, func(idx int, b []byte) { callbackFired = true })

	bad := make([]byte, 16384)
	copy(bad, data)
	bad[16383] ^= 0xFF

	if r := store.Ingest(0, 0, bad); r != Accepted {
		t.Fatalf("ingest = %v", r)
	}
	if store.IsComplete() {
		t.Fatalf("store should not be complete after corruption")
	}
	if callbackFired {
		t.Fatalf("callback must not fire on corrupt piece")
	}

	_, _, _, ok := store.NextRequest(fullBitfield(1))
	if !ok {
		t.Fatalf("expected piece 0 to be requestable again after reset")
	}
}

func TestStats_CorruptPieceDoesNotDoubleCountOnRetry(t *testing.T) {
	data := make([]byte, 16384)
	for i := range data {
		data[i] = byte(i)
	}
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	bad := make([]byte, 16384)
	copy(bad, data)
	bad[0] ^= 0xFF

	store.Ingest(0, 0, bad)
	if s := store.Stats(); s.BytesDownloaded != 0 {
		t.Fatalf("corrupt piece must not be credited, got BytesDownloaded=%d", s.BytesDownloaded)
	}

	store.Ingest(0, 0, data)
	s := store.Stats()
	if s.BytesDownloaded != int64(len(data)) {
		t.Fatalf("BytesDownloaded = %d, want %d", s.BytesDownloaded, len(data))
	}
	if s.Percent != 100 {
		t.Fatalf("Percent = %v, want 100", s.Percent)
	}
}

func TestIngest_RejectsUnknownPieceAndMalformedBlock(t *testing.T) {
	data := make([]byte, 16384)
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	if r := store.Ingest(5, 0, data); r != Rejected {
		t.Fatalf("unknown piece index = %v, want Rejected", r)
	}
	if r := store.Ingest(0, 100, data[:100]); r != Rejected {
		t.Fatalf("malformed block = %v, want Rejected", r)
	}
}

func TestIngest_DuplicateIsIdempotent(t *testing.T) {
	data := make([]byte, 16384)
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	if r := store.Ingest(0, 0, data); r != Accepted {
		t.Fatalf("first ingest = %v", r)
	}
	if r := store.Ingest(0, 0, data); r != AlreadyComplete {
		t.Fatalf("duplicate ingest on completed piece = %v", r)
	}
}

func TestNextRequest_NeverReturnsReceivedOrRequestedBlock(t *testing.T) {
	data := make([]byte, 32768)
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	seen := make(map[[3]int64]bool)
	for i := 0; i < 4; i++ {
		idx, off, length, ok := store.NextRequest(fullBitfield(2))
		if !ok {
			continue
		}
		key := [3]int64{int64(idx), off, length}
		if seen[key] {
			t.Fatalf("NextRequest returned duplicate block %v", key)
		}
		seen[key] = true
	}
}

func TestNextRequest_RespectsAvailability(t *testing.T) {
	data := make([]byte, 32768)
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	none := bitfield.New(2)
	if _, _, _, ok := store.NextRequest(none); ok {
		t.Fatalf("all-zero bitfield should yield no requests")
	}

	idx, _, _, ok := store.NextRequest(fullBitfield(2))
	if !ok || (idx != 0 && idx != 1) {
		t.Fatalf("expected a request from available pieces")
	}
}

func TestFewestMissingBlocksHeuristic(t *testing.T) {
	data := make([]byte, 16384*3)
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	// With 16384-byte pieces every piece is a single block, so each is
	// either 0 or 1 missing and the heuristic has nothing to compare.
	// Use a larger piece length to get multiple blocks per piece.
	_ = store

	// Rebuild with multi-block pieces to exercise the fewest-missing pick.
	data = make([]byte, torrent.BlockLength*2*3) // 3 pieces, 2 blocks each
	desc = descriptorFor(t, torrent.BlockLength*2, data)
	store = NewStore(desc, nil)

	// Complete one block of piece 1, leaving it with fewer missing
	// blocks than pieces 0 and 2.
	begin, length := torrent.BlockBounds(desc.PieceLengthOf(1), 0)
	store.Ingest(1, begin, data[desc.PieceLength+begin:desc.PieceLength+begin+length])

	idx, _, _, ok := store.NextRequest(fullBitfield(3))
	if !ok || idx != 1 {
		t.Fatalf("expected piece 1 (fewest missing) to be picked first, got idx=%d ok=%v", idx, ok)
	}
}

func TestStats(t *testing.T) {
	data := make([]byte, 16384)
	desc := descriptorFor(t, 16384, data)
	store := NewStore(desc, nil)

	s := store.Stats()
	if s.TotalPieces != 1 || s.TotalBytes != 16384 || s.Percent != 0 {
		t.Fatalf("initial stats = %+v", s)
	}

	store.Ingest(0, 0, data)
	s = store.Stats()
	if s.CompletedPieces != 1 || s.Percent != 100 {
		t.Fatalf("final stats = %+v", s)
	}
}
