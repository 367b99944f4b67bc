// Package storage maps a torrent's linear piece stream onto its
// on-disk file layout: preallocating files, writing verified pieces
// across whatever files they overlap, and checking them back for
// integrity once the download completes.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prxssh/rabbit/internal/torrent"
)

type datafile struct {
	f      *os.File
	path   string
	offset int64
	length int64
}

// Writer writes completed, verified pieces to disk according to a
// torrent's file map. A single mutex serializes WritePiece; file
// handles are cached for the Writer's lifetime and released by Close.
type Writer struct {
	mu    sync.Mutex
	desc  *torrent.Descriptor
	files []*datafile
}

// New preallocates every file in desc's file map under downloadDir,
// rooted at downloadDir/<torrent name> for multi-file torrents and
// downloadDir/<torrent name> for single-file ones (desc.Files already
// encodes that distinction via its Path values).
func New(desc *torrent.Descriptor, downloadDir string) (*Writer, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create download dir: %w", err)
	}

	files := make([]*datafile, 0, len(desc.Files))
	for _, entry := range desc.Files {
		fp := filepath.Join(downloadDir, filepath.FromSlash(entry.Path))
		df, err := openOrCreate(fp, entry.Length, entry.Offset)
		if err != nil {
			return nil, err
		}
		files = append(files, df)
	}

	return &Writer{desc: desc, files: files}, nil
}

func openOrCreate(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create parent dir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: preallocate %s: %w", path, err)
	}

	return &datafile{f: f, path: path, offset: offset, length: size}, nil
}

// WritePiece writes pieceBytes across every file whose byte range
// overlaps the piece's linear byte range, flushing each touched file
// afterward. A per-file I/O error is returned to the caller, who is
// expected to log it and otherwise treat the piece as written per the
// component's failure semantics.
func (w *Writer) WritePiece(pieceIndex int, pieceBytes []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pieceStart := int64(pieceIndex) * w.desc.PieceLength
	pieceEnd := pieceStart + int64(len(pieceBytes))

	var firstErr error
	for _, file := range w.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max64(pieceStart, fileStart)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.WriteAt(pieceBytes[offsetInData:offsetInData+writeLen], offsetInFile)
		if err == nil && int64(n) != writeLen {
			err = fmt.Errorf("incomplete write to %s: wrote %d, expected %d", file.path, n, writeLen)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("storage: write piece %d to %s: %w", pieceIndex, file.path, err)
			}
			continue
		}
		if err := file.f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: flush %s: %w", file.path, err)
		}
	}

	return firstErr
}

// VerifyFileIntegrity reports whether every file in the map exists at
// its expected size on disk.
func (w *Writer) VerifyFileIntegrity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, file := range w.files {
		info, err := os.Stat(file.path)
		if err != nil || info.Size() != file.length {
			return false
		}
	}
	return true
}

// Close flushes and releases all open file handles.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, file := range w.files {
		if err := file.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
