package handlers

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/wa-lm-relay-go/internal/config"
	"github.com/wa-lm-relay-go/internal/conversation"
	"github.com/wa-lm-relay-go/internal/middleware"
	"github.com/wa-lm-relay-go/internal/models"
	"github.com/wa-lm-relay-go/internal/services/ai"
	"github.com/wa-lm-relay-go/internal/services/cache"
)

// fakeBackend emulates the LM Studio API for end-to-end handler tests.
type fakeBackend struct {
	mu         sync.Mutex
	chatBody   string
	chatStatus int
	calls      int
	server     *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{
		chatBody:   `{"choices":[{"message":{"content":"hello there"}}]}`,
		chatStatus: http.StatusOK,
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.calls++
		switch r.URL.Path {
		case "/v1/models":
			io.WriteString(w, `{"data":[{"id":"m1"}]}`)
		case "/v1/chat/completions":
			w.WriteHeader(b.chatStatus)
			io.WriteString(w, b.chatBody)
		case "/v1/completions":
			w.WriteHeader(b.chatStatus)
			io.WriteString(w, b.chatBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type relayFixture struct {
	handler *RelayHandler
	router  *mux.Router
	store   *conversation.Store
	backend *fakeBackend
	cfg     *config.Config
}

func newRelayFixture(t *testing.T, mutate func(cfg *config.Config)) *relayFixture {
	t.Helper()

	backend := newFakeBackend(t)

	u, err := url.Parse(backend.server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{
		LMStudio: config.LMStudioConfig{
			Host:           host,
			Port:           port,
			Model:          "auto",
			Temperature:    0.7,
			MaxTokens:      64,
			RequestTimeout: 2 * time.Second,
		},
		Relay: config.RelayConfig{MaxHistory: 8},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	metrics := middleware.NewMetrics()
	store := conversation.NewStore(cfg.Relay.MaxHistory)
	aiService := ai.NewLMClient(&cfg.LMStudio, metrics, log)
	replyCache := cache.NewReplyCache(&cfg.Cache, log)

	handler := NewRelayHandler(cfg, store, aiService, replyCache, metrics, log)
	router := mux.NewRouter()
	handler.Routes(router)

	return &relayFixture{
		handler: handler,
		router:  router,
		store:   store,
		backend: backend,
		cfg:     cfg,
	}
}

func (f *relayFixture) post(t *testing.T, body, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/auto-reply", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp, "message")
	return resp["message"]
}

func TestAutoReplyEndToEnd(t *testing.T) {
	f := newRelayFixture(t, nil)

	rec := f.post(t, `{"jid":"42","text":"hi"}`, "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"hello there"}`, rec.Body.String())

	history := f.store.History("42")
	require.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello there"},
	}, history)
}

func TestAutoReplyFormEncodedBody(t *testing.T) {
	f := newRelayFixture(t, nil)

	rec := f.post(t, "jid=u1&text=hello", "application/x-www-form-urlencoded")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello there", decodeReply(t, rec))
}

func TestAutoReplyUnauthorizedSender(t *testing.T) {
	f := newRelayFixture(t, func(cfg *config.Config) {
		cfg.Relay.AllowedSenders = []string{"good@s.whatsapp.net"}
	})

	rec := f.post(t, `{"jid":"bad@s.whatsapp.net","text":"hi"}`, "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeReply(t, rec))
	require.Zero(t, f.backend.callCount(), "no backend call may be issued for a rejected sender")
	require.Zero(t, f.store.Len("bad@s.whatsapp.net"))
}

func TestAutoReplyAllowedSender(t *testing.T) {
	f := newRelayFixture(t, func(cfg *config.Config) {
		cfg.Relay.AllowedSenders = []string{"good@s.whatsapp.net"}
	})

	rec := f.post(t, `{"jid":"good@s.whatsapp.net","text":"hi"}`, "application/json")
	require.Equal(t, "hello there", decodeReply(t, rec))
}

func TestAutoReplyEmptyText(t *testing.T) {
	f := newRelayFixture(t, nil)

	rec := f.post(t, `{"jid":"u1"}`, "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeReply(t, rec))
	require.Zero(t, f.backend.callCount())
	require.Zero(t, f.store.Len("u1"))
}

func TestAutoReplyUndecodableBody(t *testing.T) {
	f := newRelayFixture(t, nil)

	rec := f.post(t, "%%%not-anything%%%", "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeReply(t, rec))
}

func TestAutoReplyBackendFailureIsSilent(t *testing.T) {
	f := newRelayFixture(t, nil)
	f.backend.mu.Lock()
	f.backend.chatStatus = http.StatusInternalServerError
	f.backend.mu.Unlock()

	rec := f.post(t, `{"jid":"u1","text":"hi"}`, "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeReply(t, rec))
	// A failed exchange must not pollute the conversation history.
	require.Zero(t, f.store.Len("u1"))
}

func TestAutoReplyHistoryAccumulates(t *testing.T) {
	f := newRelayFixture(t, nil)

	for i := 0; i < 3; i++ {
		f.post(t, `{"jid":"u1","text":"hi"}`, "application/json")
	}

	require.Equal(t, 6, f.store.Len("u1"))
}

func TestAutoReplyCachedReplySkipsBackend(t *testing.T) {
	f := newRelayFixture(t, func(cfg *config.Config) {
		cfg.Cache = config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 10}
	})

	f.post(t, `{"jid":"u1","text":"hi"}`, "application/json")
	before := f.backend.callCount()

	rec := f.post(t, `{"jid":"u2","text":"hi"}`, "application/json")

	require.Equal(t, "hello there", decodeReply(t, rec))
	require.Equal(t, before, f.backend.callCount(), "cached reply must not hit the backend")
	// Cache hits reply without recording a new exchange.
	require.Zero(t, f.store.Len("u2"))
}

func TestStatusEndpoint(t *testing.T) {
	f := newRelayFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "ok", status["status"])
	require.Equal(t, "auto", status["configured_model"])
	require.Equal(t, "m1", status["active_model"])
	require.Equal(t, f.cfg.LMStudio.ChatCompletionsURL(), status["lm_studio_url"])
}
