package rdf

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Reader streams the statements of an artifact.
type Reader struct {
	file    *os.File
	gz      *gzip.Reader
	scanner *bufio.Scanner
	line    int
}

func OpenArtifact(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	return &Reader{file: f, gz: gz, scanner: sc}, nil
}

// Next returns the next statement or io.EOF.
func (r *Reader) Next() (Statement, error) {
	for r.scanner.Scan() {
		r.line++
		text := r.scanner.Text()
		if text == "" {
			continue
		}
		s, err := ParseLine(text)
		if err != nil {
			return Statement{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return s, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Statement{}, err
	}
	return Statement{}, io.EOF
}

func (r *Reader) Close() error {
	gzErr := r.gz.Close()
	if err := r.file.Close(); err != nil {
		return err
	}
	return gzErr
}

// ReadAll loads every statement of the artifact at path.
func ReadAll(path string) ([]Statement, error) {
	r, err := OpenArtifact(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []Statement
	for {
		s, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// VerifyChecksum compares the file with its manifest.
func VerifyChecksum(a ArtifactFile) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", a.Manifest.Name, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("verify %s: %w", a.Manifest.Name, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if n != a.Manifest.Bytes || sum != a.Manifest.SHA256 {
		return fmt.Errorf("%w: %s has %d bytes sha256 %s, manifest says %d bytes sha256 %s",
			ErrChecksumMismatch, a.Manifest.Name, n, sum, a.Manifest.Bytes, a.Manifest.SHA256)
	}
	return nil
}
