package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/wa-lm-relay-go/internal/config"
	"github.com/wa-lm-relay-go/internal/conversation"
	"github.com/wa-lm-relay-go/internal/middleware"
	"github.com/wa-lm-relay-go/internal/models"
	"github.com/wa-lm-relay-go/internal/payload"
	"github.com/wa-lm-relay-go/internal/services/ai"
	"github.com/wa-lm-relay-go/internal/services/cache"
	"github.com/wa-lm-relay-go/pkg/logger"
)

// logPreviewLen caps message text length in log lines.
const logPreviewLen = 200

// RelayHandler serves the auto-reply webhook and the status endpoint. It is
// the single error boundary of the relay: whatever goes wrong inside, the
// caller gets a well-formed {"message": ""} with HTTP 200 so the chat
// delivery layer never sees a technical failure.
type RelayHandler struct {
	config    *config.Config
	store     *conversation.Store
	aiService ai.Service
	cache     cache.Service
	metrics   *middleware.Metrics
	logger    *logrus.Logger
	startedAt time.Time
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(
	cfg *config.Config,
	store *conversation.Store,
	aiService ai.Service,
	replyCache cache.Service,
	metrics *middleware.Metrics,
	log *logrus.Logger,
) *RelayHandler {
	return &RelayHandler{
		config:    cfg,
		store:     store,
		aiService: aiService,
		cache:     replyCache,
		metrics:   metrics,
		logger:    log,
		startedAt: time.Now(),
	}
}

// Routes registers the handler's endpoints on the router.
func (h *RelayHandler) Routes(r *mux.Router) {
	r.HandleFunc("/auto-reply", h.HandleAutoReply).Methods(http.MethodPost)
	r.HandleFunc("/", h.HandleStatus).Methods(http.MethodGet)
}

// HandleAutoReply processes one inbound chat notification and responds with
// the generated reply, or an empty one on any rejection or failure.
func (h *RelayHandler) HandleAutoReply(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.WithField("panic", rec).Error("Unhandled error handling payload")
			h.metrics.RecordRequest(middleware.OutcomeError, time.Since(start))
			h.writeReply(w, "")
		}
	}()

	record := h.decodeRecord(r)
	msg := payload.Normalize(record)

	log := logger.WithSender(h.logger, msg.SenderID, msg.SenderName)
	log.WithField("text", logger.Preview(msg.Text, logPreviewLen)).Info("Incoming message")

	if !h.config.Relay.SenderAllowed(msg.SenderID) {
		log.Info("Ignoring message from unauthorized sender")
		h.metrics.RecordRequest(middleware.OutcomeRejected, time.Since(start))
		h.writeReply(w, "")
		return
	}

	if msg.Text == "" {
		h.metrics.RecordRequest(middleware.OutcomeEmptyInput, time.Since(start))
		h.writeReply(w, "")
		return
	}

	if reply, found := h.cache.Lookup(msg.Text, h.config.LMStudio.Model); found {
		h.metrics.RecordCacheHit()
		h.metrics.RecordRequest(middleware.OutcomeCacheHit, time.Since(start))
		h.writeReply(w, reply)
		return
	}
	h.metrics.RecordCacheMiss()

	messages := append(h.store.History(msg.SenderID), models.Message{
		Role:    models.RoleUser,
		Content: msg.Text,
	})

	reply := h.aiService.Complete(r.Context(), messages)
	if reply == "" {
		// Silent no-op so no technical error text ever reaches the contact.
		log.Info("No AI text produced, returning empty message")
		h.metrics.RecordRequest(middleware.OutcomeNoReply, time.Since(start))
		h.writeReply(w, "")
		return
	}

	log.WithField("reply", logger.Preview(reply, logPreviewLen)).Info("Reply generated")

	h.store.Append(msg.SenderID, msg.Text, reply)
	h.cache.Store(msg.Text, h.config.LMStudio.Model, reply)
	h.metrics.SetActiveConversations(float64(h.store.Senders()))
	h.metrics.RecordRequest(middleware.OutcomeSuccess, time.Since(start))

	h.writeReply(w, reply)
}

// HandleStatus reports process health and the currently resolved model.
func (h *RelayHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":           "ok",
		"lm_studio_url":    h.config.LMStudio.ChatCompletionsURL(),
		"configured_model": h.config.LMStudio.Model,
		"active_model":     h.aiService.ActiveModel(r.Context()),
		"conversations":    h.store.Senders(),
		"uptime":           time.Since(h.startedAt).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.WithError(err).Error("Failed to write status response")
	}
}

// decodeRecord accepts JSON or form-encoded bodies and returns a generic
// record for the normalizer. Undecodable bodies yield an empty record, which
// normalizes to an empty-text no-op downstream.
func (h *RelayHandler) decodeRecord(r *http.Request) map[string]interface{} {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		return map[string]interface{}{}
	}

	var record map[string]interface{}
	if err := json.Unmarshal(body, &record); err == nil && len(record) > 0 {
		return record
	}

	// Not JSON; try form encoding.
	record = make(map[string]interface{})
	values, err := url.ParseQuery(string(body))
	if err != nil {
		h.logger.WithError(err).Debug("Failed to parse request body")
		return record
	}
	for key, vals := range values {
		if len(vals) > 0 {
			record[key] = vals[0]
		}
	}
	return record
}

func (h *RelayHandler) writeReply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"message": text}); err != nil {
		h.logger.WithError(err).Error("Failed to write reply")
	}
}
