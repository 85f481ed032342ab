package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"inkwell/api/internal/annotation"
	"inkwell/api/internal/assistant"
	"inkwell/api/internal/bubble"
	"inkwell/api/internal/config"
	"inkwell/api/internal/document"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/provider"
	"inkwell/api/internal/room"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
)

// Pinger is a backend the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Docs      store.Documents
	Rooms     *room.Registry
	Gateway   *room.Gateway
	Bubbles   *bubble.Manager
	Assistant *assistant.Orchestrator
	Creds     *session.Credentials
	LLM       assistant.Completer
	Identity  identity.Provider
	Tokens    *identity.Tokens
	Search    *search.Service
	Metrics   *metrics.Metrics
	// Checks are pinged by /api/ready, keyed by name.
	Checks map[string]Pinger
	Logger *slog.Logger
}

type Service struct {
	cfg       config.Config
	log       *slog.Logger
	docs      store.Documents
	rooms     *room.Registry
	gateway   *room.Gateway
	bubbles   *bubble.Manager
	assistant *assistant.Orchestrator
	creds     *session.Credentials
	llm       assistant.Completer
	ids       identity.Provider
	tokens    *identity.Tokens
	search    *search.Service
	metrics   *metrics.Metrics
	checks    map[string]Pinger
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Identity == nil {
		deps.Identity = identity.NewAnonymous()
	}
	return &Service{
		cfg:       cfg,
		log:       deps.Logger,
		docs:      deps.Docs,
		rooms:     deps.Rooms,
		gateway:   deps.Gateway,
		bubbles:   deps.Bubbles,
		assistant: deps.Assistant,
		creds:     deps.Creds,
		llm:       deps.LLM,
		ids:       deps.Identity,
		tokens:    deps.Tokens,
		search:    deps.Search,
		metrics:   deps.Metrics,
		checks:    deps.Checks,
	}
}

// Ready pings every configured backend. The result maps check name to its
// error, nil when healthy.
func (s *Service) Ready(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.checks))
	for name, p := range s.checks {
		out[name] = p.Ping(ctx)
	}
	return out
}

func (s *Service) Complete(ctx context.Context, req provider.Request) (string, error) {
	return s.llm.Complete(ctx, req)
}

// IssuedIdentity is an identity plus, when token signing is configured, the
// token a client presents to keep it across reconnects.
type IssuedIdentity struct {
	identity.Identity
	Token string `json:"token,omitempty"`
}

func (s *Service) IssueIdentity() (IssuedIdentity, error) {
	who, err := s.ids.IssueIdentity()
	if err != nil {
		return IssuedIdentity{}, err
	}
	out := IssuedIdentity{Identity: who}
	if s.tokens != nil {
		if out.Token, err = s.tokens.Issue(who); err != nil {
			return IssuedIdentity{}, fmt.Errorf("sign identity: %w", err)
		}
	}
	return out, nil
}

func (s *Service) PutCredential(ctx context.Context, clientID, providerName, apiKey string) error {
	if !provider.Known(providerName) {
		return domainError(http.StatusBadRequest, "UNKNOWN_PROVIDER", fmt.Sprintf("Unknown provider: %s", providerName), nil)
	}
	return s.creds.Put(ctx, clientID, providerName, apiKey)
}

func (s *Service) DeleteCredential(ctx context.Context, clientID, providerName string) error {
	if !provider.Known(providerName) {
		return domainError(http.StatusBadRequest, "UNKNOWN_PROVIDER", fmt.Sprintf("Unknown provider: %s", providerName), nil)
	}
	return s.creds.Delete(ctx, clientID, providerName)
}

// OpenDocument returns the live state of a document and records the visit.
// Recording is best-effort.
func (s *Service) OpenDocument(ctx context.Context, clientID, documentID string) (room.Snapshot, error) {
	rm, err := s.rooms.Open(ctx, documentID)
	if err != nil {
		return room.Snapshot{}, err
	}
	snap, err := rm.Snapshot(ctx)
	if err != nil {
		return room.Snapshot{}, err
	}
	if clientID != "" {
		if err := s.docs.TouchRecent(ctx, clientID, documentID); err != nil {
			s.log.Warn("record recent document", "client", clientID, "document", documentID, "error", err)
		}
	}
	return snap, nil
}

// RecentDocuments lists what a client opened last. Storage failures yield an
// empty list.
func (s *Service) RecentDocuments(ctx context.Context, clientID string) []store.Summary {
	items, err := s.docs.ListRecent(ctx, clientID, store.MaxRecent)
	if err != nil {
		s.log.Warn("list recent documents", "client", clientID, "error", err)
		return []store.Summary{}
	}
	return items
}

func (s *Service) RenameDocument(ctx context.Context, documentID, title string) (string, error) {
	rm, err := s.rooms.Open(ctx, documentID)
	if err != nil {
		return "", err
	}
	return rm.Rename(ctx, title), nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if !room.ValidDocumentID(documentID) {
		return room.ErrInvalidDocumentID
	}
	return s.rooms.Delete(ctx, documentID)
}

func (s *Service) ApplySteps(ctx context.Context, clientID, documentID string, base int, steps []document.Step) (int, []document.Step, error) {
	rm, err := s.rooms.Open(ctx, documentID)
	if err != nil {
		return 0, nil, err
	}
	return rm.Apply(ctx, clientID, base, steps)
}

func (s *Service) Annotations(ctx context.Context, documentID string) (annotation.State, error) {
	rm, err := s.rooms.Open(ctx, documentID)
	if err != nil {
		return annotation.State{}, err
	}
	return rm.Annotations(ctx)
}

func (s *Service) Search(ctx context.Context, text string, limit, offset int) search.Response {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, Limit: limit, Offset: offset})
}

// RemoveBubble deletes a bubble and forgets its request flow. A reply still
// in flight is discarded when it lands.
func (s *Service) RemoveBubble(ctx context.Context, clientID, documentID, bubbleID string) (bool, error) {
	removed, err := s.bubbles.Remove(ctx, clientID, documentID, bubbleID)
	if err != nil {
		return false, err
	}
	s.assistant.Forget(clientID, documentID, bubbleID)
	return removed, nil
}
