package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/stargate/pkg/generation"
	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/observability"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

const maxBodyBytes = 64 << 10

// TurnHandler runs one conversation turn.
type TurnHandler interface {
	Handle(ctx context.Context, turn scene.Turn, fallback string) error
}

// Completer applies generation completions.
type Completer interface {
	Complete(ctx context.Context, c generation.Completion) error
}

// Accounts is the read side of the ledger.
type Accounts interface {
	Lookup(ctx context.Context, userID int64) (ledger.Profile, error)
	History(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error)
}

// Deps wires the server.
type Deps struct {
	Turns       TurnHandler
	EntryScene  string
	Outbox      *Outbox
	Catalog     *locale.Catalog
	Completions Completer
	Accounts    Accounts
	Calculator  *pricing.Calculator
	Auth        *CallbackAuth
	// Observability may be nil.
	Observability *observability.Provider

	RateLimitRPS   float64
	RateLimitBurst int
}

// Server serves the HTTP API.
type Server struct {
	d       Deps
	limiter *IPRateLimiter
	logger  *slog.Logger
}

// New validates d. The per-IP limiter lives until ctx is done.
func New(ctx context.Context, d Deps) (*Server, error) {
	if d.Turns == nil || d.Outbox == nil || d.Catalog == nil || d.Completions == nil ||
		d.Accounts == nil || d.Calculator == nil || d.Auth == nil {
		return nil, errors.New("api: missing dependency")
	}
	if d.EntryScene == "" {
		return nil, errors.New("api: entry scene is required")
	}
	if d.RateLimitRPS <= 0 {
		d.RateLimitRPS = 20
	}
	if d.RateLimitBurst <= 0 {
		d.RateLimitBurst = 40
	}
	return &Server{
		d:       d,
		limiter: NewIPRateLimiter(ctx, d.RateLimitRPS, d.RateLimitBurst),
		logger:  slog.Default().With("component", "api"),
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.With(s.track("turn")).Post("/turns", s.handleTurn)
		r.With(s.track("conversation.messages")).Get("/conversations/{key}/messages", s.handleMessages)
		r.With(s.track("account.balance")).Get("/users/{userID}/balance", s.handleBalance)
		r.With(s.track("account.history")).Get("/users/{userID}/history", s.handleHistory)
		r.With(s.d.Auth.Middleware, s.track("completion")).Post("/completions", s.handleCompletion)
	})
	return r
}

// track records a span and RED metrics for each request of a route.
func (s *Server) track(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.d.Observability == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, done := s.d.Observability.TrackOperation(r.Context(), "http."+name,
				attribute.String("http.method", r.Method))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			var err error
			if ww.Status() >= http.StatusInternalServerError {
				err = fmt.Errorf("status %d", ww.Status())
			}
			done(err)
		})
	}
}

// decode reads a capped body, validates it against schema and decodes it
// into v.
func decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	var doc any
	raw := json.NewDecoder(bytes.NewReader(body))
	raw.UseNumber()
	if err := raw.Decode(&doc); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	if err := schema.Validate(doc); err != nil {
		WriteBadRequest(w, r, "request body rejected: "+err.Error())
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// RenderedMessage is a message in the caller's language.
type RenderedMessage struct {
	Key  string `json:"key"`
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

type messagesResponse struct {
	Messages []RenderedMessage `json:"messages"`
}

func (s *Server) render(msgs []scene.Message) []RenderedMessage {
	out := make([]RenderedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, RenderedMessage{
			Key:  m.Key,
			Text: s.d.Catalog.Render(m.Locale, m.Key, m.Args...),
			URL:  m.URL,
		})
	}
	return out
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var turn scene.Turn
	if !decode(w, r, turnBody, &turn) {
		return
	}
	turn.Key = strings.TrimSpace(turn.Key)
	if turn.Key == "" {
		WriteBadRequest(w, r, "key is required")
		return
	}
	if turn.UserID <= 0 {
		WriteBadRequest(w, r, "user_id must be positive")
		return
	}

	// Anything queued for this conversation since its last turn goes out
	// ahead of the turn's own replies.
	queued := s.d.Outbox.Drain(turn.Key)
	c := &collector{key: turn.Key}
	err := s.d.Turns.Handle(withCollector(r.Context(), c), turn, s.d.EntryScene)
	msgs := append(queued, c.drain()...)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "turn failed",
			"conversation_key", turn.Key, "user_id", turn.UserID, "error", err)
		if len(msgs) == len(queued) {
			msgs = append(msgs, scene.Message{Locale: turn.Locale, Key: locale.ErrorGeneric})
		}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: s.render(msgs)})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		WriteBadRequest(w, r, "invalid conversation key")
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: s.render(s.d.Outbox.Drain(key))})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var c generation.Completion
	if !decode(w, r, completionBody, &c) {
		return
	}
	if c.OperationID == "" {
		WriteBadRequest(w, r, "operation_id is required")
		return
	}
	if err := s.d.Completions.Complete(r.Context(), c); err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			WriteUnavailable(w, r, err)
			return
		}
		WriteInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, r, "user id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) accountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		WriteNotFound(w, r, "user not found")
	case errors.Is(err, ledger.ErrUnavailable):
		WriteUnavailable(w, r, err)
	default:
		WriteInternal(w, r, err)
	}
}

type balanceResponse struct {
	UserID            int64      `json:"user_id"`
	Balance           int64      `json:"balance"`
	BalanceUSD        string     `json:"balance_usd"`
	BalanceLocal      string     `json:"balance_local"`
	LocalCurrency     string     `json:"local_currency"`
	Subscribed        bool       `json:"subscribed"`
	SubscriptionUntil *time.Time `json:"subscription_until,omitempty"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	p, err := s.d.Accounts.Lookup(r.Context(), id)
	if err != nil {
		s.accountError(w, r, err)
		return
	}
	disp := s.d.Calculator.Display(p.Balance)
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:            id,
		Balance:           p.Balance,
		BalanceUSD:        disp.USD.StringFixed(2),
		BalanceLocal:      disp.Local.StringFixed(2),
		LocalCurrency:     s.d.Calculator.Config().LocalCurrency,
		Subscribed:        p.Active(time.Now()),
		SubscriptionUntil: p.SubscriptionUntil,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if _, err := s.d.Accounts.Lookup(r.Context(), id); err != nil {
		s.accountError(w, r, err)
		return
	}
	entries, err := s.d.Accounts.History(r.Context(), id, limit)
	if err != nil {
		s.accountError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "entries": entries})
}
