package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/rabbit/internal/torrent"
)

func TestWritePiece_SingleFile(t *testing.T) {
	dir := t.TempDir()

	desc := &torrent.Descriptor{
		Name:        "movie.mp4",
		PieceLength: 16384,
		TotalLength: 32768,
		Files:       []torrent.FileEntry{{Path: "movie.mp4", Length: 32768, Offset: 0}},
	}

	w, err := New(desc, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Close()

	p0 := bytes.Repeat([]byte{0xAA}, 16384)
	p1 := bytes.Repeat([]byte{0xBB}, 16384)

	if err := w.WritePiece(0, p0); err != nil {
		t.Fatalf("WritePiece(0) error: %v", err)
	}
	if err := w.WritePiece(1, p1); err != nil {
		t.Fatalf("WritePiece(1) error: %v", err)
	}

	if !w.VerifyFileIntegrity() {
		t.Fatalf("expected file integrity to hold")
	}

	got, err := os.ReadFile(filepath.Join(dir, "movie.mp4"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	want := append(append([]byte{}, p0...), p1...)
	if !bytes.Equal(got, want) {
		t.Fatalf("on-disk bytes mismatch")
	}
}

func TestWritePiece_MultiFileOverlap(t *testing.T) {
	dir := t.TempDir()

	// Two files of 10000 bytes each; piece length 8192; pieces of
	// lengths 8192, 8192, 3616.
	desc := &torrent.Descriptor{
		Name:        "collection",
		PieceLength: 8192,
		TotalLength: 20000,
		Files: []torrent.FileEntry{
			{Path: "collection/a.bin", Length: 10000, Offset: 0},
			{Path: "collection/b.bin", Length: 10000, Offset: 10000},
		},
	}

	w, err := New(desc, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Close()

	full := make([]byte, 20000)
	for i := range full {
		full[i] = byte(i % 251)
	}

	pieces := [][]byte{
		full[0:8192],
		full[8192:16384],
		full[16384:20000],
	}

	// Deliver out of order: 2, 0, 1.
	order := []int{2, 0, 1}
	for _, idx := range order {
		if err := w.WritePiece(idx, pieces[idx]); err != nil {
			t.Fatalf("WritePiece(%d) error: %v", idx, err)
		}
	}

	gotA, err := os.ReadFile(filepath.Join(dir, "collection", "a.bin"))
	if err != nil {
		t.Fatalf("read a.bin: %v", err)
	}
	if !bytes.Equal(gotA, full[0:10000]) {
		t.Fatalf("a.bin mismatch")
	}

	gotB, err := os.ReadFile(filepath.Join(dir, "collection", "b.bin"))
	if err != nil {
		t.Fatalf("read b.bin: %v", err)
	}
	if !bytes.Equal(gotB, full[10000:20000]) {
		t.Fatalf("b.bin mismatch")
	}
}

func TestVerifyFileIntegrity_MissingFile(t *testing.T) {
	dir := t.TempDir()
	desc := &torrent.Descriptor{
		Name:        "f",
		PieceLength: 1024,
		TotalLength: 1024,
		Files:       []torrent.FileEntry{{Path: "f", Length: 1024, Offset: 0}},
	}

	w, err := New(desc, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Close()

	if !w.VerifyFileIntegrity() {
		t.Fatalf("preallocated file should verify before removal")
	}

	os.Remove(filepath.Join(dir, "f"))
	if w.VerifyFileIntegrity() {
		t.Fatalf("expected integrity check to fail after file removal")
	}
}

func TestWritePiece_OnlyTouchesOverlappingBytes(t *testing.T) {
	dir := t.TempDir()
	desc := &torrent.Descriptor{
		Name:        "f",
		PieceLength: 10,
		TotalLength: 10,
		Files:       []torrent.FileEntry{{Path: "f", Length: 10, Offset: 0}},
	}

	w, err := New(desc, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Close()

	data := bytes.Repeat([]byte{0x7A}, 10)
	if err := w.WritePiece(0, data); err != nil {
		t.Fatalf("WritePiece error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "f"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 10 || !bytes.Equal(got, data) {
		t.Fatalf("got %v, want %v", got, data)
	}
}
