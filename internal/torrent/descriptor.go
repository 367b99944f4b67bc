// Package torrent holds the immutable description of a torrent job: the
// parsed metainfo translated into the values the rest of the client
// actually computes with (piece/file layout, offsets, info hash).
package torrent

import (
	"crypto/sha1"
	"fmt"

	"github.com/prxssh/rabbit/internal/metainfo"
)

// BlockLength is the fixed block size this client requests and writes,
// matching the de facto wire convention (16 KiB).
const BlockLength = 16 * 1024

// FileEntry is one file's placement within the flat piece/byte stream
// described by a Descriptor.
type FileEntry struct {
	Path   string // '/'-separated relative path, download-dir relative
	Length int64
	Offset int64 // absolute byte offset of this file's first byte
}

// Descriptor is the immutable, already-validated description of a
// torrent: info hash, piece layout, and file layout. Nothing downstream
// inspects raw bencoded values; everything goes through a Descriptor.
type Descriptor struct {
	Name        string
	InfoHash    [sha1.Size]byte
	PieceLength int64
	PieceHashes [][sha1.Size]byte
	TotalLength int64
	Files       []FileEntry
	Announce    string
	AnnounceList [][]string
}

// NewDescriptor translates a parsed Metainfo into a Descriptor, computing
// file offsets and validating that file lengths sum to the declared
// total length.
func NewDescriptor(m *metainfo.Metainfo) (*Descriptor, error) {
	d := &Descriptor{
		Name:         m.Info.Name,
		InfoHash:     m.InfoHash,
		PieceLength:  m.Info.PieceLength,
		PieceHashes:  m.Info.Pieces,
		Announce:     m.Announce,
		AnnounceList: m.AnnounceList,
	}

	if len(m.Info.Files) == 0 {
		d.TotalLength = m.Info.Length
		d.Files = []FileEntry{{Path: m.Info.Name, Length: m.Info.Length, Offset: 0}}
		return d, validate(d)
	}

	var offset int64
	files := make([]FileEntry, 0, len(m.Info.Files))
	for _, f := range m.Info.Files {
		files = append(files, FileEntry{
			Path:   joinPath(m.Info.Name, f.Path),
			Length: f.Length,
			Offset: offset,
		})
		offset += f.Length
	}
	d.Files = files
	d.TotalLength = offset

	return d, validate(d)
}

func validate(d *Descriptor) error {
	var sum int64
	for _, f := range d.Files {
		sum += f.Length
	}
	if sum != d.TotalLength {
		return fmt.Errorf("torrent: file lengths sum to %d, want %d", sum, d.TotalLength)
	}
	if d.PieceLength <= 0 {
		return fmt.Errorf("torrent: non-positive piece length")
	}
	wantPieces := PieceCount(d.TotalLength, d.PieceLength)
	if int64(len(d.PieceHashes)) != wantPieces {
		return fmt.Errorf(
			"torrent: have %d piece hashes, want %d for total length %d at piece length %d",
			len(d.PieceHashes), wantPieces, d.TotalLength, d.PieceLength,
		)
	}
	return nil
}

func joinPath(root string, segments []string) string {
	parts := append([]string{root}, segments...)
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// PieceCount returns how many pieces are needed to cover size bytes at
// pieceLen per piece.
func PieceCount(size, pieceLen int64) int64 {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return (size + pieceLen - 1) / pieceLen
}

// PieceLength returns the length of piece index within a Descriptor of
// total length size and piece length pieceLen. The final piece may be
// shorter than pieceLen.
func PieceLength(index int, size, pieceLen int64) int64 {
	count := PieceCount(size, pieceLen)
	if int64(index) >= count || index < 0 {
		return 0
	}
	if int64(index) == count-1 {
		rem := size % pieceLen
		if rem == 0 {
			return pieceLen
		}
		return rem
	}
	return pieceLen
}

// PieceOffset returns the absolute [start, end) byte range of piece
// index.
func PieceOffset(index int, size, pieceLen int64) (start, end int64) {
	length := PieceLength(index, size, pieceLen)
	start = int64(index) * pieceLen
	return start, start + length
}

// BlockCount returns the number of BlockLength blocks in a piece of length
// pieceLen.
func BlockCount(pieceLen int64) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + BlockLength - 1) / BlockLength)
}

// BlockBounds returns the [begin, length) of block blockIdx within a
// piece of length pieceLen.
func BlockBounds(pieceLen int64, blockIdx int) (begin, length int64) {
	begin = int64(blockIdx) * BlockLength
	length = BlockLength
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return begin, length
}

// PieceLengthOf is a convenience accessor bound to a Descriptor.
func (d *Descriptor) PieceLengthOf(index int) int64 {
	return PieceLength(index, d.TotalLength, d.PieceLength)
}

// PieceCountTotal returns the number of pieces in the torrent.
func (d *Descriptor) PieceCountTotal() int {
	return int(PieceCount(d.TotalLength, d.PieceLength))
}
