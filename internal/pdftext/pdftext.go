// Package pdftext turns PDF documents into plain text by running every page
// through the ledongthuc/pdf content interpreter.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"entity-extractor/internal/logging"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/unicode/norm"
)

// DefaultPageSeparator is placed between consecutive pages, mirroring the
// form feed layout engines emit at a page break.
const DefaultPageSeparator = "\f"

// ErrMalformed marks input the PDF library could not parse or interpret.
var ErrMalformed = errors.New("malformed pdf")

// PageError reports the page whose interpretation stopped extraction.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string { return fmt.Sprintf("page %d: %v", e.Page, e.Err) }
func (e *PageError) Unwrap() error { return e.Err }

// Page is the extracted text of a single page. Number is one-based.
type Page struct {
	Number int    `json:"page"`
	Text   string `json:"text"`
}

// Document is the result of one extraction call.
type Document struct {
	NumPages int    `json:"numPages"`
	Pages    []Page `json:"pages"`
	Skipped  []int  `json:"skipped,omitempty"`
}

// Text concatenates page texts in page order with sep between pages.
func (d *Document) Text(sep string) string {
	if d == nil || len(d.Pages) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range d.Pages {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

type Option func(*Extractor)

// WithPassword opens encrypted documents with the given user password.
func WithPassword(password string) Option {
	return func(e *Extractor) { e.password = password }
}

// WithPageSeparator replaces DefaultPageSeparator. An empty separator gives a
// plain concatenation.
func WithPageSeparator(sep string) Option {
	return func(e *Extractor) { e.separator = sep }
}

// WithPageRange limits extraction to pages first..last (one-based, inclusive).
// A non-positive last means "through the final page".
func WithPageRange(first, last int) Option {
	return func(e *Extractor) {
		if first < 1 {
			first = 1
		}
		e.first, e.last = first, last
	}
}

// WithSkipBrokenPages logs and skips pages the interpreter fails on instead
// of aborting the whole document.
func WithSkipBrokenPages() Option {
	return func(e *Extractor) { e.skipBroken = true }
}

// WithNormalize applies Unicode NFC normalization to every page.
func WithNormalize() Option {
	return func(e *Extractor) { e.normalize = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// Extractor holds per-call settings. It keeps no state between calls and is
// safe for concurrent use.
type Extractor struct {
	password   string
	separator  string
	first      int
	last       int
	skipBroken bool
	normalize  bool
	logger     *slog.Logger
}

func New(opts ...Option) *Extractor {
	e := &Extractor{separator: DefaultPageSeparator, first: 1}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	return e
}

// PDFToText returns the text of every page of the PDF at path, in page order.
func PDFToText(ctx context.Context, path string) (string, error) {
	return New().ExtractFileText(ctx, path)
}

func (e *Extractor) Separator() string { return e.separator }

// ExtractFileText is ExtractFile joined with the configured separator.
func (e *Extractor) ExtractFileText(ctx context.Context, path string) (string, error) {
	doc, err := e.ExtractFile(ctx, path)
	if err != nil {
		return "", err
	}
	return doc.Text(e.separator), nil
}

// ExtractText extracts an in-memory PDF, such as an object downloaded from storage.
func (e *Extractor) ExtractText(ctx context.Context, data []byte) (string, error) {
	doc, err := e.ExtractReader(ctx, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	return doc.Text(e.separator), nil
}

// ExtractFile opens path and extracts it. The file is closed on every return.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pdf: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open pdf: %s is a directory", path)
	}
	return e.ExtractReader(ctx, f, info.Size())
}

// ExtractReader extracts size bytes of PDF data from r.
func (e *Extractor) ExtractReader(ctx context.Context, r io.ReaderAt, size int64) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size == 0 {
		return &Document{}, nil
	}

	reader, err := e.open(r, size)
	if err != nil {
		return nil, err
	}

	total := reader.NumPage()
	doc := &Document{NumPages: total}
	first, last := e.first, e.last
	if last <= 0 || last > total {
		last = total
	}

	chars := 0
	for n := first; n <= last; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := pageText(reader, n)
		if err != nil {
			if !e.skipBroken {
				return nil, &PageError{Page: n, Err: err}
			}
			e.logger.Warn("skipping unreadable pdf page", "page", n, "error", err)
			doc.Skipped = append(doc.Skipped, n)
			continue
		}
		text = e.clean(text)
		chars += len(text)
		doc.Pages = append(doc.Pages, Page{Number: n, Text: text})
	}

	e.logger.Debug("pdf text extracted",
		"pages", total,
		"extracted", len(doc.Pages),
		"skipped", len(doc.Skipped),
		"chars", chars,
	)
	return doc, nil
}

func (e *Extractor) open(r io.ReaderAt, size int64) (reader *pdf.Reader, err error) {
	defer func() {
		if p := recover(); p != nil {
			reader, err = nil, fmt.Errorf("%w: %v", ErrMalformed, p)
		}
	}()

	if e.password != "" {
		pw := e.password
		reader, err = pdf.NewReaderEncrypted(r, size, func() string {
			next := pw
			pw = ""
			return next
		})
	} else {
		reader, err = pdf.NewReader(r, size)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return reader, nil
}

// pageText interprets one page. The library signals malformed content by
// panicking, so panics are turned into errors here.
func pageText(r *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrMalformed, p)
		}
	}()

	page := r.Page(n)
	if page.V.IsNull() {
		return "", fmt.Errorf("%w: page object not found", ErrMalformed)
	}
	if page.V.Key("Contents").IsNull() {
		return "", nil
	}
	fonts := make(map[string]*pdf.Font)
	for _, name := range page.Fonts() {
		f := page.Font(name)
		fonts[name] = &f
	}
	text, err = page.GetPlainText(fonts)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return text, nil
}

// clean returns valid UTF-8 with no NUL bytes.
func (e *Extractor) clean(text string) string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	text = strings.ReplaceAll(text, "\x00", "")
	if e.normalize {
		text = norm.NFC.String(text)
	}
	return text
}
