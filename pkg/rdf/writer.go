package rdf

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/graphport/pkg/common"
)

// DefaultFlushBytes is the statement buffer size used when none is set.
const DefaultFlushBytes = 1 << 20

// countingHasher counts and hashes the compressed bytes on their way to disk.
type countingHasher struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (c *countingHasher) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.n += int64(n)
	return n, err
}

// Writer writes one artifact. Statements are buffered up to FlushBytes before
// they reach the compressor. The file is written under a temporary name and
// renamed on Close, so a visible artifact is always complete.
type Writer struct {
	path     string
	file     *os.File
	sink     *countingHasher
	gz       *gzip.Writer
	buf      *bufio.Writer
	line     []byte
	manifest ArtifactManifest
	closed   bool
}

func CreateArtifact(dir, name string, stage common.Stage, flushBytes int) (*Writer, error) {
	if flushBytes <= 0 {
		flushBytes = DefaultFlushBytes
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path + ".partial")
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	sink := &countingHasher{w: f, h: sha256.New()}
	gz := gzip.NewWriter(sink)
	return &Writer{
		path: path,
		file: f,
		sink: sink,
		gz:   gz,
		buf:  bufio.NewWriterSize(gz, flushBytes),
		manifest: ArtifactManifest{
			Name:  name,
			Stage: stage,
			Types: map[string]int64{},
		},
	}, nil
}

func (w *Writer) Write(s Statement) error {
	w.line = AppendNQuad(w.line[:0], s)
	if _, err := w.buf.Write(w.line); err != nil {
		return fmt.Errorf("write %s: %w", w.manifest.Name, err)
	}
	w.manifest.Statements++
	return nil
}

// CountRecord adds one record of typeName to the manifest.
func (w *Writer) CountRecord(typeName string) {
	w.manifest.Types[typeName]++
}

func (w *Writer) Stage() common.Stage {
	return w.manifest.Stage
}

// Close flushes, syncs and publishes the artifact.
func (w *Writer) Close() (ArtifactManifest, error) {
	if w.closed {
		return w.manifest, nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return w.manifest, fmt.Errorf("flush %s: %w", w.manifest.Name, err)
	}
	if err := w.gz.Close(); err != nil {
		w.abort()
		return w.manifest, fmt.Errorf("compress %s: %w", w.manifest.Name, err)
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return w.manifest, fmt.Errorf("sync %s: %w", w.manifest.Name, err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.path + ".partial")
		return w.manifest, fmt.Errorf("close %s: %w", w.manifest.Name, err)
	}
	if err := os.Rename(w.path+".partial", w.path); err != nil {
		return w.manifest, fmt.Errorf("publish %s: %w", w.manifest.Name, err)
	}
	w.manifest.Bytes = w.sink.n
	w.manifest.SHA256 = hex.EncodeToString(w.sink.h.Sum(nil))
	return w.manifest, nil
}

// Abort discards an unfinished artifact.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.abort()
}

func (w *Writer) abort() {
	_ = w.file.Close()
	_ = os.Remove(w.path + ".partial")
}
