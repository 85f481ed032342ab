// Package assistant runs the edit-request flow of each bubble: capture a
// selection, ask the provider, and apply the answer back to the document
// when the user asks for it.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"inkwell/api/internal/annotation"
	"inkwell/api/internal/bubble"
	"inkwell/api/internal/provider"
	"inkwell/api/internal/richtext"
	"inkwell/api/internal/room"
	"inkwell/api/internal/util"
)

var (
	ErrEmptyInput          = errors.New("message is empty")
	ErrMissingCredential   = errors.New("add an API key for this provider first")
	ErrRequestInFlight     = errors.New("a request is already in flight for this bubble")
	ErrInlineSelectionOff  = errors.New("inline selection mode is off")
	ErrNoAnchor            = errors.New("message has no captured selection")
	ErrNotAssistantMessage = errors.New("only assistant messages can be applied")
	ErrMessageNotFound     = errors.New("message not found")
)

// State is where a bubble is in the request flow.
type State int

const (
	Idle State = iota
	Capturing
	AwaitingResponse
	Resolved
)

func (s State) String() string {
	switch s {
	case Capturing:
		return "capturing"
	case AwaitingResponse:
		return "awaiting_response"
	case Resolved:
		return "resolved"
	default:
		return "idle"
	}
}

type Completer interface {
	Complete(ctx context.Context, req provider.Request) (string, error)
}

type Credentials interface {
	Get(ctx context.Context, clientID, providerName string) (string, error)
}

type Rooms interface {
	Open(ctx context.Context, documentID string) (*room.Room, error)
}

// SendInput is one user request. Selection is the editor's live selection,
// used when nothing was captured.
type SendInput struct {
	Input     string          `json:"input"`
	Selection *room.Selection `json:"selection,omitempty"`
}

type Result struct {
	User      bubble.Message `json:"user"`
	Assistant bubble.Message `json:"assistant"`
	// Discarded is set when the bubble was removed while the request was in
	// flight. Nothing was recorded.
	Discarded bool `json:"discarded"`
}

type flowKey struct {
	client, document, bubble string
}

type flow struct {
	state   State
	capture *room.Captured
}

type Orchestrator struct {
	rooms   Rooms
	bubbles *bubble.Manager
	creds   Credentials
	llm     Completer
	log     *slog.Logger

	mu    sync.Mutex
	flows map[flowKey]*flow
}

func New(rooms Rooms, bubbles *bubble.Manager, creds Credentials, llm Completer, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		rooms:   rooms,
		bubbles: bubbles,
		creds:   creds,
		llm:     llm,
		log:     log,
		flows:   map[flowKey]*flow{},
	}
}

// flowLocked returns the flow for k, creating an idle one. o.mu must be held.
func (o *Orchestrator) flowLocked(k flowKey) *flow {
	f, ok := o.flows[k]
	if !ok {
		f = &flow{}
		o.flows[k] = f
	}
	return f
}

// State reports where a bubble is in the request flow.
func (o *Orchestrator) State(clientID, documentID, bubbleID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flows[flowKey{clientID, documentID, bubbleID}]; ok {
		return f.state
	}
	return Idle
}

// Capture records sel as the bubble's pending selection and shows it to
// the room as the shared highlight. Empty selections are ignored and report
// false. A newer capture replaces an older one.
func (o *Orchestrator) Capture(ctx context.Context, clientID, documentID, bubbleID string, sel room.Selection) (room.Captured, bool, error) {
	on, err := o.bubbles.InlineSelectionMode(ctx, clientID, documentID)
	if err != nil {
		return room.Captured{}, false, err
	}
	if !on {
		return room.Captured{}, false, ErrInlineSelectionOff
	}
	if _, err := o.bubbles.Get(ctx, clientID, documentID, bubbleID); err != nil {
		return room.Captured{}, false, err
	}
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return room.Captured{}, false, err
	}
	captured, ok, err := rm.Capture(ctx, sel)
	if err != nil || !ok {
		return captured, ok, err
	}

	o.mu.Lock()
	f := o.flowLocked(flowKey{clientID, documentID, bubbleID})
	f.capture = &captured
	if f.state != AwaitingResponse {
		f.state = Capturing
	}
	o.mu.Unlock()
	return captured, true, nil
}

// Send asks the bubble's provider. Validation happens before any state
// changes: the input must be non-blank, a credential must exist for the
// provider and no other request may be in flight for the bubble.
func (o *Orchestrator) Send(ctx context.Context, clientID, documentID, bubbleID string, in SendInput) (Result, error) {
	input := strings.TrimSpace(in.Input)
	if input == "" {
		return Result{}, ErrEmptyInput
	}
	b, err := o.bubbles.Get(ctx, clientID, documentID, bubbleID)
	if err != nil {
		return Result{}, err
	}
	apiKey, err := o.creds.Get(ctx, clientID, b.Provider)
	if err != nil {
		return Result{}, fmt.Errorf("load credential: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return Result{}, ErrMissingCredential
	}
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return Result{}, err
	}

	key := flowKey{clientID, documentID, bubbleID}
	o.mu.Lock()
	f := o.flowLocked(key)
	if f.state == AwaitingResponse {
		o.mu.Unlock()
		return Result{}, ErrRequestInFlight
	}
	captured := f.capture
	f.capture = nil
	f.state = AwaitingResponse
	o.mu.Unlock()

	draft := in.Input
	if _, err := o.bubbles.Update(ctx, clientID, documentID, bubbleID, bubble.Patch{InputDraft: &draft}); err != nil {
		o.log.Debug("keep draft", "bubble", bubbleID, "error", err)
	}
	if err := o.bubbles.SetLoading(ctx, clientID, documentID, bubbleID, true); err != nil {
		o.log.Debug("set loading", "bubble", bubbleID, "error", err)
	}

	var selected *room.Captured
	if captured != nil {
		if err := rm.ClearHighlight(ctx); err != nil {
			o.log.Warn("clear highlight", "document", documentID, "error", err)
		}
		selected = captured
	} else if in.Selection != nil {
		live, ok, err := rm.SelectionText(*in.Selection)
		if err != nil {
			o.log.Debug("live selection unusable", "document", documentID, "error", err)
		} else if ok {
			selected = &live
		}
	}

	userContent := input
	var anchor *bubble.Anchor
	if selected != nil {
		if text := strings.TrimSpace(selected.Text); text != "" {
			userContent = "Selected text:\n\n" + text + "\n\nUser request: " + input
		}
		anchor = &bubble.Anchor{
			From:         selected.Range.From,
			To:           selected.Range.To,
			Revision:     selected.Revision,
			OriginalText: strings.TrimSpace(selected.Text),
		}
	}

	messages := make([]provider.Message, 0, len(b.Messages)+1)
	for _, m := range b.Messages {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: bubble.RoleUser, Content: userContent})

	req := provider.Request{
		Provider: b.Provider,
		APIKey:   apiKey,
		Model:    b.Model,
		Messages: messages,
	}
	if b.IncludeDocumentContext {
		req.DocumentContext, _ = rm.DocumentText()
	}

	reply, err := o.llm.Complete(ctx, req)
	if err != nil {
		o.finish(key)
		lerr := o.bubbles.SetLoading(context.WithoutCancel(ctx), clientID, documentID, bubbleID, false)
		if errors.Is(lerr, bubble.ErrNotFound) {
			o.forget(key)
			return Result{Discarded: true}, nil
		}
		if lerr != nil {
			o.log.Debug("reset loading", "bubble", bubbleID, "error", lerr)
		}
		return Result{}, err
	}

	o.mu.Lock()
	f.state = Resolved
	o.mu.Unlock()

	res := Result{
		User:      bubble.Message{ID: util.NewID("msg"), Role: bubble.RoleUser, Content: userContent},
		Assistant: bubble.Message{ID: util.NewID("msg"), Role: bubble.RoleAssistant, Content: reply, Anchor: anchor},
	}
	err = o.bubbles.AppendExchange(context.WithoutCancel(ctx), clientID, documentID, bubbleID, res.User, res.Assistant)
	o.finish(key)
	if errors.Is(err, bubble.ErrNotFound) {
		o.forget(key)
		return Result{Discarded: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// finish ends a request. A flow with nothing captured is dropped, since an
// absent flow already reads as Idle.
func (o *Orchestrator) finish(k flowKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flows[k]
	if !ok {
		return
	}
	if f.capture == nil {
		delete(o.flows, k)
		return
	}
	f.state = Capturing
}

func (o *Orchestrator) tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.flows)
}

// Forget drops flow state for a removed bubble.
func (o *Orchestrator) Forget(clientID, documentID, bubbleID string) {
	o.forget(flowKey{clientID, documentID, bubbleID})
}

func (o *Orchestrator) forget(k flowKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flows[k]; ok && f.state != AwaitingResponse {
		delete(o.flows, k)
	}
}

func (o *Orchestrator) assistantMessage(ctx context.Context, clientID, documentID, bubbleID, messageID string) (bubble.Message, error) {
	b, err := o.bubbles.Get(ctx, clientID, documentID, bubbleID)
	if err != nil {
		return bubble.Message{}, err
	}
	msg, ok := b.Message(messageID)
	if !ok {
		return bubble.Message{}, ErrMessageNotFound
	}
	if msg.Role != bubble.RoleAssistant {
		return bubble.Message{}, ErrNotAssistantMessage
	}
	return msg, nil
}

// InsertAtCursor inserts an assistant reply at the caret.
func (o *Orchestrator) InsertAtCursor(ctx context.Context, clientID, documentID, bubbleID, messageID string, cur room.Cursor) (int, error) {
	msg, err := o.assistantMessage(ctx, clientID, documentID, bubbleID, messageID)
	if err != nil {
		return 0, err
	}
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return 0, err
	}
	cells := richtext.InsertionCells(richtext.FromMarkdown(msg.Content))
	return rm.InsertAt(ctx, clientID, cur, cells)
}

// ReplaceSelection replaces the range the reply was asked about. The range
// is followed through every edit made since; if it is gone nothing changes
// and room.ErrStaleRange is returned.
func (o *Orchestrator) ReplaceSelection(ctx context.Context, clientID, documentID, bubbleID, messageID string) (int, error) {
	msg, err := o.assistantMessage(ctx, clientID, documentID, bubbleID, messageID)
	if err != nil {
		return 0, err
	}
	if msg.Anchor == nil {
		return 0, ErrNoAnchor
	}
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return 0, err
	}
	cells := richtext.InsertionCells(richtext.FromMarkdown(msg.Content))
	return rm.ReplaceRange(ctx, clientID, anchorSelection(msg.Anchor), cells)
}

// Suggest turns a reply into a pending suggestion over its anchor.
func (o *Orchestrator) Suggest(ctx context.Context, clientID, documentID, bubbleID, messageID string) (annotation.SuggestionItem, error) {
	msg, err := o.assistantMessage(ctx, clientID, documentID, bubbleID, messageID)
	if err != nil {
		return annotation.SuggestionItem{}, err
	}
	if msg.Anchor == nil {
		return annotation.SuggestionItem{}, ErrNoAnchor
	}
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return annotation.SuggestionItem{}, err
	}
	return rm.AddSuggestion(ctx, anchorSelection(msg.Anchor), msg.Anchor.OriginalText, msg.Content)
}

// Accept applies a room suggestion. Any collaborator may resolve any
// suggestion; an id already resolved reports false.
func (o *Orchestrator) Accept(ctx context.Context, clientID, documentID, suggestionID string) (bool, error) {
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return false, err
	}
	return rm.Accept(ctx, clientID, suggestionID)
}

func (o *Orchestrator) Reject(ctx context.Context, documentID, suggestionID string) (bool, error) {
	rm, err := o.rooms.Open(ctx, documentID)
	if err != nil {
		return false, err
	}
	return rm.Reject(ctx, suggestionID)
}

func anchorSelection(a *bubble.Anchor) room.Selection {
	return room.Selection{From: a.From, To: a.To, Revision: a.Revision}
}
