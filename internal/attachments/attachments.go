// Package attachments stores uploaded files on local disk and serves them back
// under /uploads/.
package attachments

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
)

// PathPrefix is where stored files are served.
const PathPrefix = "/uploads/"

const sniffLen = 512

var (
	ErrTooLarge = errors.New("attachments: file too large")
	ErrEmpty    = errors.New("attachments: file is empty")
	ErrNotFound = errors.New("attachments: not found")
)

// Stored describes a saved attachment.
type Stored struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

type Config struct {
	Dir           string
	MaxBytes      int64
	PublicBaseURL string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Store struct {
	dir      string
	maxBytes int64
	baseURL  string
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("attachments: directory is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("attachments: max bytes must be > 0")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachments: create dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		baseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		metrics:  cfg.Metrics,
		log:      logger,
	}, nil
}

func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save spools r to disk under a fresh name. The original filename only
// contributes its extension. declaredType wins over the sniffed type when it
// parses as a media type.
func (s *Store) Save(r io.Reader, filename, declaredType string) (Stored, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("attachments: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		_ = tmp.Close()
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	var head bytes.Buffer
	limited := &io.LimitedReader{R: r, N: s.maxBytes + 1}
	written, err := io.Copy(tmp, io.TeeReader(io.LimitReader(limited, sniffLen), &head))
	if err == nil {
		var rest int64
		rest, err = io.Copy(tmp, limited)
		written += rest
	}
	if err != nil {
		return Stored{}, fmt.Errorf("attachments: write: %w", err)
	}
	if written > s.maxBytes {
		return Stored{}, fmt.Errorf("%w: max %d bytes", ErrTooLarge, s.maxBytes)
	}
	if written == 0 {
		return Stored{}, ErrEmpty
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, fmt.Errorf("attachments: close: %w", err)
	}

	mediaType := resolveMediaType(declaredType, http.DetectContentType(head.Bytes()))
	ext := extension(filename, mediaType)
	if isActive(mediaType) || isActive(typeByExtension(ext)) {
		mediaType, ext = "application/octet-stream", ".bin"
	}
	name := uuid.NewString() + ext
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return Stored{}, fmt.Errorf("attachments: rename: %w", err)
	}
	keep = true

	s.metrics.Inc(metrics.AttachmentStored)
	s.log.Debug("attachment stored", "name", name, "media_type", mediaType, "size", written)
	return Stored{
		Name:      name,
		URL:       s.URL(name),
		MediaType: mediaType,
		Size:      written,
	}, nil
}

// URL is absolute when a public base URL is configured.
func (s *Store) URL(name string) string {
	return s.baseURL + PathPrefix + name
}

// Open returns the stored file called name.
func (s *Store) Open(name string) (*os.File, error) {
	if !validName.MatchString(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// IsStoredName reports whether name has the shape Save gives stored files.
func IsStoredName(name string) bool { return validName.MatchString(name) }

// Remove deletes a stored file. Removing a missing file is not an error.
func (s *Store) Remove(name string) error {
	if !validName.MatchString(name) {
		return ErrNotFound
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Handler serves GET /uploads/{name}.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, PathPrefix)
		f, err := s.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		ct := typeByExtension(filepath.Ext(name))
		if ct == "" || isActive(ct) {
			ct = "application/octet-stream"
		}
		h := w.Header()
		h.Set("Content-Type", ct)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "sandbox")
		h.Set("Cache-Control", "private, max-age=86400")
		if !inlineSafe(ct) {
			h.Set("Content-Disposition", "attachment")
		}
		http.ServeContent(w, r, name, info.ModTime(), f)
	})
}

var (
	validName = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[a-z0-9]{1,10})?$`)
	validExt  = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

func extension(filename, mediaType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if validExt.MatchString(ext) {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 && validExt.MatchString(exts[0]) {
		return exts[0]
	}
	return ""
}

// activeTypes are rendered as documents by browsers and can run script.
var activeTypes = map[string]bool{
	"text/html":              true,
	"image/svg+xml":          true,
	"application/xhtml+xml":  true,
	"text/xml":               true,
	"application/xml":        true,
	"text/javascript":        true,
	"application/javascript": true,
}

func isActive(mediaType string) bool {
	return activeTypes[mediaType]
}

func typeByExtension(ext string) string {
	if ext == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil {
		return ""
	}
	return mt
}

func inlineSafe(mediaType string) bool {
	if isActive(mediaType) {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") ||
		strings.HasPrefix(mediaType, "audio/") ||
		strings.HasPrefix(mediaType, "video/")
}

func resolveMediaType(declared, sniffed string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mt
	}
	return "application/octet-stream"
}
