// Package attachment keeps uploaded bytes on local disk and turns
// attachment references back into inline message parts.
package attachment

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// URLPrefix is the route uploaded files are served under.
const URLPrefix = "/api/uploads/"

var (
	ErrUnavailable = errors.New("attachment unavailable")
	ErrTooLarge    = errors.New("attachment exceeds size limit")
)

type Store struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create attachment dir %s", dir)
	}
	return &Store{dir: dir, maxBytes: maxBytes, logger: utils.GetLogger()}, nil
}

// Save writes r under a fresh name and returns its reference. The display
// filename is kept as given.
func (s *Store) Save(r io.Reader, filename string) (models.Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return models.Attachment{}, errors.Wrap(err, "read upload")
	}
	if int64(len(data)) > s.maxBytes {
		return models.Attachment{}, ErrTooLarge
	}

	name := uuid.New().String() + strings.ToLower(filepath.Ext(filename))
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return models.Attachment{}, errors.Wrap(err, "write upload")
	}
	s.logger.Debug("Stored attachment", "name", name, "filename", filename, "size", len(data))
	return models.Attachment{URL: URLPrefix + name, Filename: filepath.Base(filename)}, nil
}

// Path maps a stored name to its file, rejecting anything that would leave
// the store directory.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrUnavailable
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Store) pathFor(a models.Attachment) (string, error) {
	if !strings.HasPrefix(a.URL, URLPrefix) {
		return "", errors.Wrapf(ErrUnavailable, "%s", a.URL)
	}
	p, err := s.Path(strings.TrimPrefix(a.URL, URLPrefix))
	if err != nil {
		return "", errors.Wrapf(err, "%s", a.URL)
	}
	return p, nil
}

// Resolve loads every referenced file as an inline part, in order. Any
// missing file fails the whole call.
func (s *Store) Resolve(ctx context.Context, atts []models.Attachment) ([]models.Part, error) {
	parts := make([]models.Part, 0, len(atts))
	for _, a := range atts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.pathFor(a)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "%s: %v", a.Filename, err)
		}
		parts = append(parts, models.Part{InlineData: &models.InlineData{
			MimeType: detect(data, a.Filename),
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return parts, nil
}

// Release deletes the files behind atts. Failures are logged only.
func (s *Store) Release(ctx context.Context, atts []models.Attachment) {
	for _, a := range atts {
		p, err := s.pathFor(a)
		if err != nil {
			s.logger.Warn("Skipping release of foreign attachment", "url", a.URL)
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Error("Failed to release attachment", "url", a.URL, "error", err)
		}
	}
}

// detect sniffs the MIME type and drops any parameters. Plain text that
// sniffs generic is refined from the extension.
func detect(data []byte, filename string) string {
	base, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	base = strings.TrimSpace(base)
	if base == "text/plain" {
		if byExt := extensionMIME(filename); byExt != "" {
			return byExt
		}
	}
	return base
}

func extensionMIME(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return ""
	}
}
