// Package warc decodes sampled WARC segment buffers into HTML capture records.
// Inputs are usually a size-bounded prefix of a segment, so a truncated final
// record is expected and not reported as an error. Records are read with
// gowarc's unmarshaler over the decompressed buffer.
package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/nlnwa/gowarc"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
)

// DefaultPrefilterChars is how much of a decoded body is checked for markup.
const DefaultPrefilterChars = 1000

// Config controls how much of a segment is decoded.
type Config struct {
	// MaxRecords caps retained records per segment; 0 means no cap.
	MaxRecords int
	// PrefilterChars is the prefix length scanned for the "html" marker.
	PrefilterChars int
}

// ParseError reports a container error that is not a truncated tail. Records
// decoded before it are still returned alongside it.
type ParseError struct {
	Record int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse record %d: %v", e.Record, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FailureKind classifies parse errors for failure tracking.
func (e *ParseError) FailureKind() failure.Kind { return failure.KindParse }

// Parser iterates WARC records. It holds no per-call state and is safe for
// concurrent use.
type Parser struct {
	cfg    Config
	logger *zap.Logger
}

// NewParser builds a Parser.
func NewParser(cfg Config, logger *zap.Logger) *Parser {
	if cfg.PrefilterChars <= 0 {
		cfg.PrefilterChars = DefaultPrefilterChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{cfg: cfg, logger: logger}
}

// Parse decodes data, gzip-compressed or not, into HTML response records.
func (p *Parser) Parse(data []byte) ([]crawler.CaptureRecord, error) {
	plain, streamErr := io.ReadAll(open(data))
	if streamErr != nil && isTruncation(streamErr) {
		streamErr = nil
	}

	src := bytes.NewReader(plain)
	br := bufio.NewReaderSize(src, 64*1024)
	u := gowarc.NewUnmarshaler()

	var records []crawler.CaptureRecord
	for index := 0; ; index++ {
		if p.cfg.MaxRecords > 0 && len(records) >= p.cfg.MaxRecords {
			return records, nil
		}

		// Unconsumed input starts after what br has handed out.
		rest := plain[len(plain)-src.Len()-br.Buffered():]
		next := bytes.TrimLeft(rest, " \t\r\n")
		if len(next) == 0 {
			return p.end(records, index, streamErr)
		}
		line, _, complete := bytes.Cut(next, []byte("\n"))
		if !complete {
			p.logger.Debug("truncated record tail", zap.Int("record", index))
			return p.end(records, index, streamErr)
		}
		if !bytes.HasPrefix(line, []byte("WARC/")) {
			return p.fail(records, index, fmt.Errorf("malformed version line %q", clip(strings.TrimSpace(string(line)), 40)))
		}
		_, _ = br.Discard(len(rest) - len(next))

		wr, _, _, err := u.Unmarshal(br)
		if err != nil {
			if isTruncation(err) || !hasLaterRecord(next[len(line):]) {
				p.logger.Debug("truncated record header", zap.Int("record", index), zap.Error(err))
				return p.end(records, index, streamErr)
			}
			return p.fail(records, index, fmt.Errorf("read record: %w", err))
		}

		rec, ok, truncated, err := p.read(wr)
		_ = wr.Close()
		if err != nil {
			return p.fail(records, index, err)
		}
		if truncated {
			p.logger.Debug("truncated record block", zap.Int("record", index))
			return p.end(records, index, streamErr)
		}
		if ok {
			records = append(records, rec)
		}
	}
}

// read pulls the block of wr. truncated reports a block shorter than its
// declared Content-Length.
func (p *Parser) read(wr gowarc.WarcRecord) (rec crawler.CaptureRecord, ok, truncated bool, err error) {
	hdr := wr.WarcHeader()
	declared := hdr.Get("Content-Length")
	length, perr := strconv.ParseInt(strings.TrimSpace(declared), 10, 64)
	if perr != nil || length < 0 {
		return rec, false, false, fmt.Errorf("invalid Content-Length %q", declared)
	}

	raw, err := wr.Block().RawBytes()
	if err != nil {
		if isTruncation(err) {
			return rec, false, true, nil
		}
		return rec, false, false, fmt.Errorf("open block: %w", err)
	}
	block, err := io.ReadAll(raw)
	if err != nil && !isTruncation(err) {
		return rec, false, false, fmt.Errorf("read block: %w", err)
	}
	if int64(len(block)) < length {
		return rec, false, true, nil
	}

	if !strings.EqualFold(hdr.Get("WARC-Type"), "response") {
		return rec, false, false, nil
	}
	rec, ok = p.decode(hdr.Get("WARC-Target-URI"), hdr.Get("Content-Type"), block)
	return rec, ok, false, nil
}

// end closes a clean pass over the decompressed input. A decompression error
// other than a cut member still fails the segment.
func (p *Parser) end(records []crawler.CaptureRecord, index int, streamErr error) ([]crawler.CaptureRecord, error) {
	if streamErr != nil {
		return p.fail(records, index, fmt.Errorf("decompress: %w", streamErr))
	}
	return records, nil
}

func (p *Parser) fail(records []crawler.CaptureRecord, index int, err error) ([]crawler.CaptureRecord, error) {
	perr := &ParseError{Record: index, Err: err}
	p.logger.Warn("segment parse stopped", zap.Int("records_kept", len(records)), zap.Error(perr))
	return records, perr
}

func (p *Parser) decode(target, warcContentType string, block []byte) (crawler.CaptureRecord, bool) {
	contentType := ""
	body := block
	if strings.HasPrefix(strings.ToLower(warcContentType), "application/http") || bytes.HasPrefix(block, []byte("HTTP/")) {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(block)), nil)
		if err != nil {
			p.logger.Debug("skip record with unreadable HTTP block", zap.String("url", target), zap.Error(err))
			return crawler.CaptureRecord{}, false
		}
		contentType = resp.Header.Get("Content-Type")
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil && len(body) == 0 {
			return crawler.CaptureRecord{}, false
		}
	}

	text := DecodeBody(body, contentType)
	if !hasMarkup(text, p.cfg.PrefilterChars) {
		return crawler.CaptureRecord{}, false
	}
	return crawler.CaptureRecord{
		URL:         target,
		ContentType: contentType,
		Raw:         body,
		Body:        text,
	}, true
}

// open probes for gzip by decompressing one byte; anything that fails the
// probe is read as an uncompressed buffer.
func open(data []byte) io.Reader {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return bytes.NewReader(data)
	}
	var probe [1]byte
	if _, err := io.ReadFull(zr, probe[:]); err != nil {
		return bytes.NewReader(data)
	}
	return io.MultiReader(bytes.NewReader(probe[:]), zr)
}

// hasLaterRecord reports whether another version line follows in rest.
func hasLaterRecord(rest []byte) bool {
	return bytes.Contains(rest, []byte("\nWARC/"))
}

func isTruncation(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func hasMarkup(text string, limit int) bool {
	prefix := text
	count := 0
	for i := range text {
		if count == limit {
			prefix = text[:i]
			break
		}
		count++
	}
	return strings.Contains(strings.ToLower(prefix), "html")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
