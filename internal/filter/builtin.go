package filter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"
)

// MaxTextSize bounds what the text filter will load.
const MaxTextSize = 1 << 20

var (
	ErrTooLarge = errors.New("file too large")
	ErrNotText  = errors.New("file is not valid UTF-8")
)

// PDF claims PDF files. Extraction is not wired to a renderer yet.
type PDF struct{}

func (PDF) Name() string                   { return "pdf" }
func (PDF) Extensions() []string           { return []string{".pdf", ".PDF"} }
func (PDF) Version() string                { return "0" }
func (PDF) Extract(string) (string, error) { return "", ErrNotImplemented }

// Text passes plain text and markdown through unchanged.
type Text struct{}

func (Text) Name() string         { return "text" }
func (Text) Extensions() []string { return []string{".txt", ".md"} }
func (Text) Version() string      { return "1" }

func (Text) Extract(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the watched repository
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxTextSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxTextSize {
		return "", fmt.Errorf("%s: %w (limit %d bytes)", path, ErrTooLarge, MaxTextSize)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: %w", path, ErrNotText)
	}
	return string(data), nil
}
