// Package corpus reads parallel sentence pairs from delimited text files.
//
// Each line holds one source sentence and its translation separated by a
// fixed delimiter. Lines that do not split into exactly two non-empty fields
// are skipped without error.
package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// FullData is the sentence-cap sentinel that disables the training pair cap.
const FullData = "Full_data"

// MaxLineBytes bounds a single line. Longer lines are skipped, not fatal.
const MaxLineBytes = 1 << 20

// ErrInvalidSentenceCap is returned when a sentence cap is neither a
// positive integer nor the FullData sentinel.
var ErrInvalidSentenceCap = errors.New("invalid sentence count")

// Pair is one parallel sentence pair.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Stats describes how a corpus scan went.
type Stats struct {
	Lines     int // raw lines read
	Pairs     int // pairs kept
	Malformed int // lines without exactly two non-empty fields
	TooLong   int // lines dropped by the length cap or MaxLineBytes
}

// TrainingOptions controls LoadTraining.
type TrainingOptions struct {
	Delimiter         string
	MaxPairs          int // 0 = no cap
	MaxSentenceLength int // characters; 0 = no cap
}

// ParseLine splits a corpus line into a pair. Surrounding whitespace is
// trimmed first. ok is false unless the line has exactly two non-empty fields.
func ParseLine(line, delimiter string) (Pair, bool) {
	fields := strings.Split(strings.TrimSpace(line), delimiter)
	if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
		return Pair{}, false
	}
	return Pair{Source: fields[0], Target: fields[1]}, true
}

// ParseSentenceCap converts a sentence-count argument to a pair cap.
// FullData maps to 0, meaning every well-formed line is kept.
func ParseSentenceCap(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == FullData {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q (want a positive integer or %s)", ErrInvalidSentenceCap, s, FullData)
	}
	return n, nil
}

// LoadTraining reads the training pairs from path.
func LoadTraining(path string, opts TrainingOptions) ([]Pair, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()
	return ReadTraining(f, opts)
}

// ReadTraining reads training pairs in order until the pair cap is reached
// or the input ends. Pairs with a sentence longer than MaxSentenceLength
// characters are dropped.
func ReadTraining(r io.Reader, opts TrainingOptions) ([]Pair, Stats, error) {
	var (
		pairs []Pair
		stats Stats
	)

	lines := NewLineReader(r, MaxLineBytes)
	for lines.Scan() {
		stats.Lines++
		if lines.Oversized() {
			stats.TooLong++
			continue
		}
		pair, ok := ParseLine(lines.Text(), opts.Delimiter)
		if !ok {
			stats.Malformed++
			continue
		}
		if opts.MaxSentenceLength > 0 && tooLong(pair, opts.MaxSentenceLength) {
			stats.TooLong++
			continue
		}
		pairs = append(pairs, pair)
		if opts.MaxPairs > 0 && len(pairs) >= opts.MaxPairs {
			break
		}
	}
	if err := lines.Err(); err != nil {
		return nil, stats, fmt.Errorf("read corpus: %w", err)
	}

	stats.Pairs = len(pairs)
	return pairs, stats, nil
}

// LoadEvaluation reads the evaluation subset from path.
func LoadEvaluation(path, delimiter string, maxLines int) ([]Pair, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()
	return ReadEvaluation(f, delimiter, maxLines)
}

// ReadEvaluation scans at most maxLines raw lines and keeps the well-formed
// pairs among them. No sentence length cap applies.
func ReadEvaluation(r io.Reader, delimiter string, maxLines int) ([]Pair, Stats, error) {
	var (
		pairs []Pair
		stats Stats
	)

	lines := NewLineReader(r, MaxLineBytes)
	for stats.Lines < maxLines && lines.Scan() {
		stats.Lines++
		if lines.Oversized() {
			stats.TooLong++
			continue
		}
		pair, ok := ParseLine(lines.Text(), delimiter)
		if !ok {
			stats.Malformed++
			continue
		}
		pairs = append(pairs, pair)
	}
	if err := lines.Err(); err != nil {
		return nil, stats, fmt.Errorf("read corpus: %w", err)
	}

	stats.Pairs = len(pairs)
	return pairs, stats, nil
}

// Sources returns the source side of pairs.
func Sources(pairs []Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Source
	}
	return out
}

// Targets returns the target side of pairs.
func Targets(pairs []Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Target
	}
	return out
}

func tooLong(p Pair, limit int) bool {
	return utf8.RuneCountInString(p.Source) > limit || utf8.RuneCountInString(p.Target) > limit
}

// LineReader reads newline-terminated lines of any length. Lines longer
// than its limit are consumed and reported as oversized with empty text.
type LineReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
	long  bool
	err   error
}

// NewLineReader returns a LineReader over r. limit <= 0 means MaxLineBytes.
func NewLineReader(r io.Reader, limit int) *LineReader {
	if limit <= 0 {
		limit = MaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

// Scan advances to the next line. It returns false at end of input or on a
// read error, which Err reports.
func (l *LineReader) Scan() bool {
	if l.err != nil {
		return false
	}
	l.buf = l.buf[:0]
	l.long = false
	read := false
	for {
		chunk, more, err := l.r.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.err = err
				return false
			}
			return read
		}
		read = true
		if !l.long {
			if len(l.buf)+len(chunk) > l.limit {
				l.long = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, chunk...)
			}
		}
		if !more {
			return true
		}
	}
}

// Text returns the current line without its line ending.
func (l *LineReader) Text() string { return string(l.buf) }

// Oversized reports whether the current line exceeded the limit.
func (l *LineReader) Oversized() bool { return l.long }

// Err returns the first non-EOF read error.
func (l *LineReader) Err() error { return l.err }
