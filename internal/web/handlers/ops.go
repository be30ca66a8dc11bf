package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/znz-systems/mailindex/internal/attachment"
	"github.com/znz-systems/mailindex/internal/indexer"
	"github.com/znz-systems/mailindex/internal/models"
)

type IndexerStatus interface {
	Status() indexer.Status
}

type QueueStats interface {
	IndexQueueStats(ctx context.Context, queue string) (*models.QueueStats, error)
}

type Attachments interface {
	Get(ctx context.Context, id []byte) (*models.Attachment, error)
	DeleteOrphaned(ctx context.Context) (int, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// OpsHandler serves the operational API of the indexing service.
type OpsHandler struct {
	indexer     IndexerStatus
	queues      QueueStats
	attachments Attachments
	db          Pinger
}

func NewOpsHandler(ix IndexerStatus, queues QueueStats, attachments Attachments, db Pinger) *OpsHandler {
	return &OpsHandler{indexer: ix, queues: queues, attachments: attachments, db: db}
}

func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, jsonResponse{Error: "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

func (h *OpsHandler) HandleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.indexer.Status())
}

func (h *OpsHandler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if queue != models.QueueLive && queue != models.QueueBacklog {
		writeJSON(w, http.StatusNotFound, jsonResponse{Error: "unknown queue"})
		return
	}
	stats, err := h.queues.IndexQueueStats(r.Context(), queue)
	if err != nil {
		slog.Error("failed to read queue stats", "queue", queue, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type attachmentResponse struct {
	ID               string    `json:"id"`
	ContentType      string    `json:"contentType"`
	TransferEncoding string    `json:"transferEncoding"`
	Length           int64     `json:"length"`
	RefCount         int64     `json:"refCount"`
	Magic            string    `json:"magic"`
	Decoded          bool      `json:"decoded"`
	LineLength       int       `json:"lineLength,omitempty"`
	TrailingBreak    bool      `json:"trailingBreak,omitempty"`
	EstimatedSize    int64     `json:"estimatedSize"`
	UploadDate       time.Time `json:"uploadDate"`
}

func (h *OpsHandler) HandleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := hex.DecodeString(chi.URLParam(r, "hash"))
	if err != nil || len(id) == 0 {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "hash must be hex encoded"})
		return
	}

	a, err := h.attachments.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jsonResponse{Error: "attachment not found"})
			return
		}
		slog.Error("failed to get attachment", "hash", hex.EncodeToString(id), "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, attachmentResponse{
		ID:               hex.EncodeToString(a.ID),
		ContentType:      a.ContentType,
		TransferEncoding: a.TransferEncoding,
		Length:           a.Length,
		RefCount:         a.RefCount,
		// JSON has no NaN or Inf.
		Magic:         strconv.FormatFloat(a.Magic, 'g', -1, 64),
		Decoded:       a.Decoded,
		LineLength:    a.LineLength,
		TrailingBreak: a.Decoded && a.TrailingBreak,
		EstimatedSize: a.EstimatedSize,
		UploadDate:    a.UploadDate,
	})
}

func (h *OpsHandler) HandleSweepAttachments(w http.ResponseWriter, r *http.Request) {
	n, err := h.attachments.DeleteOrphaned(r.Context())
	if err != nil {
		slog.Error("attachment sweep failed", "deleted", n, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
