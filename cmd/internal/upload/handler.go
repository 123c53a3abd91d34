// Package upload stores image blobs for chat and serves them back.
//
// Blobs are opaque: nothing here inspects or validates content beyond
// sniffing a Content-Type when serving.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	v1 "relay/shared/contracts/relay/v1"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// DefaultMaxBytes caps one upload.
	DefaultMaxBytes int64 = 10 << 20

	formField       = "file"
	multipartMemory = 1 << 20
	createAttempts  = 8
)

// Handler owns the upload directory.
type Handler struct {
	log      *slog.Logger
	dir      string
	maxBytes int64
	now      func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxBytes overrides the per-upload limit; non-positive values keep the default.
func WithMaxBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithClock overrides the time source used to name files.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates dir if needed and returns a Handler storing into it.
func New(log *slog.Logger, dir string, opts ...Option) (*Handler, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("upload: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, dir: dir, maxBytes: DefaultMaxBytes, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts POST /upload and GET /uploads/{name}.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /uploads/{name}", h.handleServe)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("max %d bytes", h.maxBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "multipart form required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	src, hdr, err := r.FormFile(formField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "form field \"file\" is required")
		return
	}
	defer func() { _ = src.Close() }()

	name, err := h.store(src, hdr.Filename)
	if err != nil {
		h.log.Error("upload.store.fail", "original", hdr.Filename, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not store upload")
		return
	}

	h.log.Info("upload.stored", "filename", name, "size", hdr.Size)
	writeJSON(w, http.StatusOK, v1.UploadResponse{Filename: name})
}

// store writes src under a fresh "<unix-millis>-<name>" and returns that name.
func (h *Handler) store(src io.Reader, original string) (string, error) {
	base := SanitizeName(original)
	ms := h.now().UnixMilli()

	for i := 0; i < createAttempts; i++ {
		name := fmt.Sprintf("%d-%s", ms+int64(i), base)
		f, err := os.OpenFile(filepath.Join(h.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}

		if _, err := io.Copy(f, src); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return "", err
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(f.Name())
			return "", err
		}
		return name, nil
	}
	return "", fmt.Errorf("no free name for %q", base)
}

func (h *Handler) handleServe(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validStoredName(name) {
		writeError(w, http.StatusNotFound, "not_found", "no such upload")
		return
	}

	path := filepath.Join(h.dir, name)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such upload")
		return
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil || st.IsDir() {
		writeError(w, http.StatusNotFound, "not_found", "no such upload")
		return
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		h.log.Warn("upload.sniff.fail", "filename", name, "err", err)
	} else {
		w.Header().Set("Content-Type", mt.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read upload")
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, name, st.ModTime(), f)
}

// SanitizeName reduces an uploaded file name to a safe base name made of
// letters, digits, dot, dash and underscore.
func SanitizeName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if strings.Trim(out, "_") == "" {
		out = "upload"
	}

	// Leave room for the millisecond prefix.
	limit := v1.MaxFilenameChars - 20
	if utf8.RuneCountInString(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func validStoredName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name
}
