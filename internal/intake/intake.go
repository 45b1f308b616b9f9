// Package intake accepts label photos from clients: it stores the image,
// records the user's scan and journal entry, and enqueues the scan job.
package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/queue"
	"github.com/winejournal/labelscan/internal/security"
	"github.com/winejournal/labelscan/pkg/storage"
)

// Validation errors are returned before anything is uploaded or enqueued.
var (
	ErrInvalidUser      = eris.New("intake: invalid user id")
	ErrEmptyImage       = eris.New("intake: empty image")
	ErrImageTooLarge    = eris.New("intake: image too large")
	ErrUnsupportedImage = eris.New("intake: unsupported image type")
	ErrKeyConflict      = eris.New("intake: idempotency key used by another user")
)

// DefaultMaxImageBytes caps a decoded upload.
const DefaultMaxImageBytes = 10 << 20

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// SubmitRequest is one label photo submission. Image holds raw bytes or their
// base64 encoding, optionally as a data URL.
type SubmitRequest struct {
	UserID         string
	Image          []byte
	OCRText        string
	IdempotencyKey string
}

// SubmitResult identifies the records created for a submission, or the
// existing ones when the submission was a duplicate.
type SubmitResult struct {
	ScanID      string `json:"scanId"`
	QueueItemID string `json:"queueItemId"`
	WineAddedID string `json:"wineAddedId,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Duplicate   bool   `json:"-"`
	// Settled is set on a duplicate whose job already completed or failed.
	Settled bool `json:"-"`
}

// Config holds intake settings.
type Config struct {
	Bucket        string
	MaxImageBytes int
}

// Service implements scan submission.
type Service struct {
	pool      db.Pool
	store     storage.Client
	validator *security.ImageURLValidator
	cfg       Config
	now       func() time.Time
}

// NewService creates an intake service.
func NewService(pool db.Pool, store storage.Client, validator *security.ImageURLValidator, cfg Config) *Service {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "scan-images"
	}
	return &Service{pool: pool, store: store, validator: validator, cfg: cfg, now: time.Now}
}

// Submit stores the image and enqueues a scan job. A repeated idempotency key
// returns the existing job's ids together with queue.ErrDuplicateSubmission,
// unless the key belongs to another user's job (ErrKeyConflict, no ids).
// Storage errors are returned as-is and nothing is enqueued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil || userID == uuid.Nil {
		return nil, ErrInvalidUser
	}
	image, contentType, err := s.decodeImage(req.Image)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if res, err := s.existing(ctx, userID.String(), key); err == nil {
			return res, eris.Wrap(queue.ErrDuplicateSubmission, "intake: submit")
		} else if !errors.Is(err, queue.ErrJobNotFound) {
			return nil, err
		}
	}

	path := fmt.Sprintf("%s/%d.jpg", userID, s.now().UnixMilli())
	if _, err := s.store.Upload(ctx, s.cfg.Bucket, path, image, contentType); err != nil {
		return nil, eris.Wrap(err, "intake: upload image")
	}
	imageURL := s.store.PublicURL(s.cfg.Bucket, path)
	if err := s.validator.Validate(ctx, imageURL); err != nil {
		return nil, eris.Wrap(err, "intake: storage url rejected")
	}

	res, err := s.record(ctx, userID.String(), path, imageURL, req.OCRText, key)
	if errors.Is(err, queue.ErrDuplicateSubmission) {
		zap.L().Warn("intake: concurrent duplicate submission, uploaded image orphaned",
			zap.String("component", "intake"),
			zap.String("user_id", userID.String()),
			zap.String("image_path", path),
		)
		dup, findErr := s.existing(ctx, userID.String(), key)
		if findErr != nil {
			return nil, findErr
		}
		return dup, err
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("intake: scan submitted",
		zap.String("component", "intake"),
		zap.String("user_id", userID.String()),
		zap.String("scan_id", res.ScanID),
		zap.String("job_id", res.QueueItemID),
		zap.Int("bytes", len(image)),
	)
	return res, nil
}

// record inserts the scan, journal entry and queue job atomically.
func (s *Service) record(ctx context.Context, userID, path, imageURL, ocr, key string) (*SubmitResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "intake: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ocrText := optional(ocr)
	res := &SubmitResult{ImageURL: imageURL}

	if err := tx.QueryRow(ctx, `
		INSERT INTO scans (user_id, image_path, scan_image_url, ocr_text)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		userID, path, imageURL, ocrText,
	).Scan(&res.ScanID); err != nil {
		return nil, eris.Wrap(err, "intake: insert scan")
	}

	if err := tx.QueryRow(ctx, `
		INSERT INTO wines_added (user_id, scan_id, status)
		VALUES ($1, $2, 'pending')
		RETURNING id`,
		userID, res.ScanID,
	).Scan(&res.WineAddedID); err != nil {
		return nil, eris.Wrap(err, "intake: insert journal entry")
	}

	job, err := queue.NewStore(tx).Enqueue(ctx, queue.NewJob{
		UserID:         userID,
		ScanID:         res.ScanID,
		ImageURL:       imageURL,
		OCRText:        ocrText,
		IdempotencyKey: optional(key),
	})
	if err != nil {
		return nil, err
	}
	res.QueueItemID = job.ID

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "intake: commit")
	}
	return res, nil
}

func (s *Service) existing(ctx context.Context, userID, key string) (*SubmitResult, error) {
	job, err := queue.NewStore(s.pool).FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrKeyConflict
	}
	res := &SubmitResult{
		QueueItemID: job.ID,
		ImageURL:    job.ImageURL,
		Duplicate:   true,
		Settled:     job.Status.Terminal(),
	}
	if job.ScanID != nil {
		res.ScanID = *job.ScanID
	}
	return res, nil
}

// decodeImage accepts raw image bytes, base64, or a base64 data URL and returns
// the raw bytes with their sniffed content type.
func (s *Service) decodeImage(in []byte) ([]byte, string, error) {
	data := bytes.TrimSpace(in)
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}

	if ct := sniff(data); !allowedTypes[ct] {
		decoded, err := decodeBase64(data)
		if err != nil {
			return nil, "", eris.Wrapf(ErrUnsupportedImage, "intake: detected %s", ct)
		}
		data = decoded
	}

	if len(data) > s.cfg.MaxImageBytes {
		return nil, "", eris.Wrapf(ErrImageTooLarge, "intake: %d bytes exceeds %d", len(data), s.cfg.MaxImageBytes)
	}
	ct := sniff(data)
	if !allowedTypes[ct] {
		return nil, "", eris.Wrapf(ErrUnsupportedImage, "intake: detected %s", ct)
	}
	return data, ct, nil
}

func sniff(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

func decodeBase64(data []byte) ([]byte, error) {
	s := string(data)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ";base64,")
		if i < 0 {
			return nil, eris.New("intake: data url is not base64")
		}
		s = s[i+len(";base64,"):]
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		out, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, eris.Wrap(err, "intake: decode base64")
	}
	return out, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
