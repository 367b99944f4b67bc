package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/prxssh/rabbit/internal/metainfo"
)

func TestNewDescriptor_SingleFile(t *testing.T) {
	m := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "file.iso",
			PieceLength: 10,
			Pieces:      make([][sha1.Size]byte, 3),
			Length:      25,
		},
		Announce: "http://t/announce",
	}

	d, err := NewDescriptor(m)
	if err != nil {
		t.Fatalf("NewDescriptor error: %v", err)
	}
	if d.TotalLength != 25 {
		t.Fatalf("TotalLength = %d", d.TotalLength)
	}
	if len(d.Files) != 1 || d.Files[0].Path != "file.iso" {
		t.Fatalf("Files = %v", d.Files)
	}
	if d.PieceCountTotal() != 3 {
		t.Fatalf("PieceCountTotal = %d", d.PieceCountTotal())
	}
	if got := d.PieceLengthOf(2); got != 5 {
		t.Fatalf("last piece length = %d, want 5", got)
	}
}

func TestNewDescriptor_MultiFile(t *testing.T) {
	m := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "collection",
			PieceLength: 16,
			Pieces:      make([][sha1.Size]byte, 1),
			Files: []*metainfo.File{
				{Length: 10, Path: []string{"a.txt"}},
				{Length: 6, Path: []string{"sub", "b.txt"}},
			},
		},
	}

	d, err := NewDescriptor(m)
	if err != nil {
		t.Fatalf("NewDescriptor error: %v", err)
	}
	if d.TotalLength != 16 {
		t.Fatalf("TotalLength = %d", d.TotalLength)
	}
	if d.Files[0].Offset != 0 || d.Files[1].Offset != 10 {
		t.Fatalf("offsets = %d, %d", d.Files[0].Offset, d.Files[1].Offset)
	}
	if d.Files[1].Path != "collection/sub/b.txt" {
		t.Fatalf("Path = %q", d.Files[1].Path)
	}
}

func TestNewDescriptor_RejectsMismatchedPieceHashCount(t *testing.T) {
	m := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "f",
			PieceLength: 10,
			Pieces:      make([][sha1.Size]byte, 1), // should be 3
			Length:      25,
		},
	}

	if _, err := NewDescriptor(m); err == nil {
		t.Fatalf("expected error for mismatched piece hash count")
	}
}

func TestPieceAndBlockArithmetic(t *testing.T) {
	const size, pieceLen = int64(25), int64(10)

	if got := PieceCount(size, pieceLen); got != 3 {
		t.Fatalf("PieceCount = %d, want 3", got)
	}
	if got := PieceLength(0, size, pieceLen); got != 10 {
		t.Fatalf("PieceLength(0) = %d", got)
	}
	if got := PieceLength(2, size, pieceLen); got != 5 {
		t.Fatalf("PieceLength(2) = %d", got)
	}

	start, end := PieceOffset(1, size, pieceLen)
	if start != 10 || end != 20 {
		t.Fatalf("PieceOffset(1) = [%d,%d)", start, end)
	}

	if got := BlockCount(BlockLength*2 + 100); got != 3 {
		t.Fatalf("BlockCount = %d, want 3", got)
	}

	begin, length := BlockBounds(BlockLength*2+100, 2)
	if begin != BlockLength*2 || length != 100 {
		t.Fatalf("BlockBounds(2) = (%d,%d)", begin, length)
	}
}
