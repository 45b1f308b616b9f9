package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/intake"
	"github.com/winejournal/labelscan/internal/queue"
	"github.com/winejournal/labelscan/pkg/storage"
)

type submitScanBody struct {
	Image          string `json:"image"`
	OCRText        string `json:"ocr_text"`
	IdempotencyKey string `json:"idempotency_key"`
}

type submitScanResponse struct {
	ScanID      string `json:"scanId"`
	QueueItemID string `json:"queueItemId"`
	Message     string `json:"message"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Users.UserID(r)
	if err != nil {
		writeUnauthorized(w)
		return
	}

	// base64 inflates the payload by a third; leave room for the JSON envelope too.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes*2)
	defer r.Body.Close()

	req, err := s.readSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = userID.String()
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	res, err := s.deps.Submitter.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitScanResponse{
			ScanID: res.ScanID, QueueItemID: res.QueueItemID, Message: "Scan queued for processing",
		})
	case errors.Is(err, queue.ErrDuplicateSubmission) && res != nil:
		msg := "Scan already submitted"
		if res.Settled {
			msg = "Scan already processed"
		}
		writeJSON(w, http.StatusOK, submitScanResponse{
			ScanID: res.ScanID, QueueItemID: res.QueueItemID, Message: msg,
		})
	case errors.Is(err, intake.ErrKeyConflict):
		writeError(w, http.StatusConflict, "idempotency key already used")
	case errors.Is(err, intake.ErrEmptyImage):
		writeError(w, http.StatusBadRequest, "image is required")
	case errors.Is(err, intake.ErrImageTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
	case errors.Is(err, intake.ErrUnsupportedImage):
		writeError(w, http.StatusUnsupportedMediaType, "image must be JPEG, PNG or WebP")
	case errors.Is(err, intake.ErrInvalidUser):
		writeUnauthorized(w)
	default:
		var apiErr *storage.APIError
		status := http.StatusInternalServerError
		msg := "internal error"
		if errors.As(err, &apiErr) || errors.Is(err, storage.ErrObjectExists) {
			status, msg = http.StatusBadGateway, "image upload failed"
		}
		zap.L().Error("submit scan failed",
			zap.String("component", "api"),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		writeError(w, status, msg)
	}
}

// readSubmission accepts multipart form uploads, JSON with a base64 image,
// or a raw image body.
func (s *Server) readSubmission(r *http.Request) (intake.SubmitRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
			return intake.SubmitRequest{}, err
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			return intake.SubmitRequest{}, err
		}
		defer f.Close()
		image, err := io.ReadAll(f)
		if err != nil {
			return intake.SubmitRequest{}, err
		}
		return intake.SubmitRequest{
			Image:          image,
			OCRText:        r.FormValue("ocr_text"),
			IdempotencyKey: r.FormValue("idempotency_key"),
		}, nil

	case mediaType == "application/json":
		var body submitScanBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return intake.SubmitRequest{}, err
		}
		return intake.SubmitRequest{
			Image:          []byte(body.Image),
			OCRText:        body.OCRText,
			IdempotencyKey: body.IdempotencyKey,
		}, nil

	default:
		image, err := io.ReadAll(r.Body)
		if err != nil {
			return intake.SubmitRequest{}, err
		}
		return intake.SubmitRequest{Image: image, OCRText: r.Header.Get("X-OCR-Text")}, nil
	}
}

type processQueueBody struct {
	Limit *int `json:"limit"`
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.DefaultClaimLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	} else {
		var body processQueueBody
		if err := decodeOptional(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Limit != nil {
			limit = *body.Limit
		}
	}
	limit = min(max(limit, 1), s.cfg.MaxClaimLimit)

	res, err := s.deps.Processor.ProcessBatch(r.Context(), limit)
	if err != nil {
		zap.L().Error("process queue failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"processed_count":    res.Claimed,
		"completed":          res.Completed,
		"failed":             res.Failed,
		"jobs":               res.Jobs,
		"estimated_cost_usd": res.EstimatedCostUSD,
	})
}

type cleanupBody struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var body cleanupBody
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	stats, err := s.deps.Sweeper.CleanupUser(r.Context(), strings.TrimSpace(body.UserID))
	if err != nil {
		zap.L().Error("cleanup failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		zap.L().Error("sweep failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.BreakerStates != nil {
		breakers := make(map[string]string)
		for name, st := range s.deps.BreakerStates() {
			breakers[name] = st.String()
		}
		resp["breakers"] = breakers
	}
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			zap.L().Warn("health check: database unreachable", zap.String("component", "api"), zap.Error(err))
			resp["status"] = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeOptional decodes a JSON body into v; an empty body leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
