package ndjson

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum NDJSON line size (256 KiB)
const MaxLineSize = 256 * 1024

// ErrMalformedRow marks a row-level decode failure. The scanner has
// already advanced past the offending line, so callers may skip the
// row and keep reading. Any other Decode error is a stream failure
// and repeats on every call; callers must stop.
var ErrMalformedRow = errors.New("malformed row")

// Encoder writes NDJSON rows to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a value as a single JSON line and flushes immediately
// so rows are visible to tail readers as soon as they are appended.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	if len(data) > MaxLineSize {
		e.logger.Error("row exceeds size limit",
			"size", len(data),
			"limit", MaxLineSize)
		return fmt.Errorf("row size %d exceeds limit %d", len(data), MaxLineSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON rows from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
	err     error // sticky stream failure; scanning cannot resume past it
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, MaxLineSize)
	scanner.Buffer(buf, MaxLineSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
		lineNum: 0,
	}
}

// Decode reads the next NDJSON row. Empty lines are skipped; io.EOF
// marks the end of the stream. A row that fails to parse returns an
// error wrapping ErrMalformedRow and the stream stays readable; a
// scanner failure (oversized line, read error) is sticky and returned
// from every subsequent call.
func (d *Decoder) Decode(v any) error {
	if d.err != nil {
		return d.err
	}

	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				d.err = fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
				return d.err
			}
			d.err = io.EOF
			return io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()

		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err)
			return fmt.Errorf("%w: line %d: %v", ErrMalformedRow, d.lineNum, err)
		}

		return nil
	}
}
