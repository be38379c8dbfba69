// Package contents parses Debian "Contents" indices and ranks packages by the
// number of files they install.
//
// A Contents index maps every installed file path to the packages shipping it:
//
//	bin/busybox             utils/busybox,shells/busybox-static
//
// The package reads such a stream line by line, folds it into a Counts
// aggregate, and selects the packages owning the most files.
package contents

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrMalformedLine is matched by every *MalformedLineError.
	ErrMalformedLine = errors.New("malformed contents line")
	// ErrDecompression is matched by every *DecompressionError.
	ErrDecompression = errors.New("decompression failed")
)

// MalformedLineError reports a line lacking the "<path> <packages>" structure.
type MalformedLineError struct {
	// Line is the 1-based line number, 0 when unknown.
	Line int
	Text string
}

func (e *MalformedLineError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %v: %q", e.Line, ErrMalformedLine, e.Text)
	}
	return fmt.Sprintf("%v: %q", ErrMalformedLine, e.Text)
}

// Is makes errors.Is(err, ErrMalformedLine) hold.
func (e *MalformedLineError) Is(target error) bool {
	return target == ErrMalformedLine
}

// DecompressionError reports a corrupt or truncated compressed stream.
type DecompressionError struct {
	Path string
	Err  error
}

func (e *DecompressionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %v", ErrDecompression, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrDecompression, e.Path, e.Err)
}

func (e *DecompressionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecompression) hold.
func (e *DecompressionError) Is(target error) bool {
	return target == ErrDecompression
}

// ParseLine returns the package identifiers referenced by one index line, in
// the order they appear. The leading file path is discarded.
func ParseLine(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, &MalformedLineError{Text: line}
	}
	// fields[0] is the file path.
	return strings.Split(fields[1], ","), nil
}

// Counts maps a package identifier to the number of files it owns.
type Counts map[string]int

// Add increments the count of every given package by one. Duplicates are
// counted independently. c must be non-nil.
func (c Counts) Add(pkgs ...string) {
	for _, p := range pkgs {
		c[p]++
	}
}

// Entry is one ranked package.
type Entry struct {
	Package string
	Files   int
}

// Top returns the n packages with the most files, by count descending.
// Ties are ordered by package identifier.
func Top(n int, c Counts) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	entries := make([]Entry, 0, len(c))
	for p, files := range c {
		entries = append(entries, Entry{Package: p, Files: files})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Files != entries[j].Files {
			return entries[i].Files > entries[j].Files
		}
		return entries[i].Package < entries[j].Package
	})
	if n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// Policy decides what Scan does with malformed lines.
type Policy int

const (
	// Skip counts malformed lines in Stats.Skipped and carries on.
	Skip Policy = iota
	// FailFast aborts the scan on the first malformed line.
	FailFast
)

// Stats summarizes a scan.
type Stats struct {
	Lines   int
	Skipped int
}

// maxLineSize bounds the bytes kept for one line. Longer lines are malformed.
const maxLineSize = 1024 * 1024

// ErrNilCounts is returned by Scan when given a nil Counts.
var ErrNilCounts = errors.New("nil Counts")

// Scan reads an index stream line by line and adds every referenced package
// to c, which must be non-nil.
func Scan(r io.Reader, c Counts, policy Policy) (Stats, error) {
	var stats Stats
	if c == nil {
		return stats, ErrNilCounts
	}
	br := bufio.NewReaderSize(r, 64*1024)

	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if tooLong || len(line)+len(chunk) > maxLineSize {
			tooLong = true
		} else {
			line = append(line, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return stats, &DecompressionError{Err: err}
		}

		if len(line) > 0 || tooLong {
			stats.Lines++
			skipped, ferr := scanLine(c, policy, stats.Lines, line, tooLong)
			if ferr != nil {
				return stats, ferr
			}
			if skipped {
				stats.Skipped++
			}
		}
		if err == io.EOF {
			return stats, nil
		}
		line = line[:0]
		tooLong = false
	}
}

// scanLine adds the packages of line n to c and reports whether the line was
// skipped. It only returns an error under FailFast.
func scanLine(c Counts, policy Policy, n int, raw []byte, tooLong bool) (bool, error) {
	text := strings.TrimRight(string(raw), "\r\n")
	var pkgs []string
	if tooLong {
		if len(text) > 64 {
			text = text[:64] + "..."
		}
	} else {
		var err error
		if pkgs, err = ParseLine(text); err == nil {
			c.Add(pkgs...)
			return false, nil
		}
	}
	if policy == FailFast {
		return true, &MalformedLineError{Line: n, Text: text}
	}
	slog.Debug("skipping malformed line", "line", n, "text", text, "too_long", tooLong)
	return true, nil
}

// Count folds a whole index stream into a fresh Counts.
func Count(r io.Reader, policy Policy) (Counts, Stats, error) {
	c := make(Counts)
	stats, err := Scan(r, c, policy)
	return c, stats, err
}

// gzipFile closes both the decompressor and the underlying file.
type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	gerr := g.Reader.Close()
	ferr := g.f.Close()
	if gerr != nil {
		return gerr
	}
	return ferr
}

// Open opens a gzip-compressed index on disk and returns a reader over its
// decompressed text.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	gzr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, &DecompressionError{Path: path, Err: err}
	}
	return &gzipFile{Reader: gzr, f: f}, nil
}
