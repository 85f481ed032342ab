package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"inkwell/api/internal/annotation"
	"inkwell/api/internal/document"
	"inkwell/api/internal/events"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

var (
	ErrInvalidDocumentID = errors.New("invalid document id")
	// ErrRoomElsewhere means another instance owns the room. Clients should
	// reach the document through that instance.
	ErrRoomElsewhere = errors.New("document is open on another instance")
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidDocumentID reports whether id can name a room.
func ValidDocumentID(id string) bool {
	return documentIDPattern.MatchString(id)
}

// RoomID is the collaboration room name for a document.
func RoomID(documentID string) string {
	return "document-" + documentID
}

type Options struct {
	Docs    store.Documents
	Storage func(roomID string) annotation.Storage
	// Leases makes rooms single-owner across instances. Required whenever
	// Storage is shared between processes.
	Leases        annotation.Leases
	Search        *search.Service
	Events        events.Publisher
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	HistoryLimit  int
	SnapshotDelay time.Duration
	SendQueue     int
	// Instance names this process as a lease owner and in RoomDeleted events.
	Instance string
}

// Registry owns every open room in the process.
type Registry struct {
	docs         store.Documents
	storage      func(roomID string) annotation.Storage
	leases       annotation.Leases
	search       *search.Service
	events       events.Publisher
	metrics      *metrics.Metrics
	log          *slog.Logger
	historyLimit int
	delay        time.Duration
	sendQueue    int
	instance     string

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry(opts Options) *Registry {
	if opts.Docs == nil {
		opts.Docs = store.NewMemoryStore()
	}
	if opts.Storage == nil {
		opts.Storage = func(string) annotation.Storage { return annotation.NewMemoryStorage() }
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Instance == "" {
		opts.Instance = util.NewID("inst")
	}
	return &Registry{
		docs:         opts.Docs,
		storage:      opts.Storage,
		leases:       opts.Leases,
		search:       opts.Search,
		events:       opts.Events,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		historyLimit: opts.HistoryLimit,
		delay:        opts.SnapshotDelay,
		sendQueue:    opts.SendQueue,
		instance:     opts.Instance,
		rooms:        map[string]*Room{},
	}
}

// Get returns an open room without creating it.
func (g *Registry) Get(documentID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[documentID]
	return r, ok
}

// Open returns the room for documentID, loading its last snapshot the
// first time. A missing or unreadable snapshot starts an empty document.
func (g *Registry) Open(ctx context.Context, documentID string) (*Room, error) {
	if !ValidDocumentID(documentID) {
		return nil, ErrInvalidDocumentID
	}
	if r, ok := g.Get(documentID); ok {
		return r, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[documentID]; ok {
		return r, nil
	}

	log := g.log.With("document", documentID)
	if err := g.acquire(ctx, documentID); err != nil {
		return nil, err
	}
	opened := false
	defer func() {
		if !opened {
			g.release(documentID)
		}
	}()

	var cells []document.Cell
	revision := 0
	title := store.DefaultTitle
	snap, err := g.docs.LoadSnapshot(ctx, documentID)
	switch {
	case err == nil:
		title = snap.Title
		revision = snap.Revision
		if len(snap.Content) > 0 {
			if err := json.Unmarshal(snap.Content, &cells); err != nil {
				log.Warn("discarding unreadable snapshot", "error", err)
				cells, revision = nil, 0
			}
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		log.Warn("load snapshot failed, starting empty", "error", err)
	}

	doc := document.New(cells, revision, g.historyLimit)
	storage := g.storage(RoomID(documentID))
	if err := storage.Init(ctx); err != nil {
		return nil, fmt.Errorf("init annotations: %w", err)
	}
	anns := annotation.NewStore(storage, log)
	if err := resetIfOutOfBounds(ctx, anns, storage, doc.Size()); err != nil {
		return nil, err
	}

	r := &Room{
		id:          documentID,
		reg:         g,
		log:         log,
		doc:         doc,
		title:       title,
		annotations: anns,
		subs:        map[string]*Subscriber{},
	}
	r.unsubscribe = anns.Subscribe(func(s annotation.State) {
		r.pending = &s
	})
	r.saver = newSaver(g.delay, r.saveSnapshot)
	r.stopLease = g.holdLease(r)

	opened = true
	g.rooms[documentID] = r
	g.metrics.RoomsOpen.Inc()
	log.Info("room opened", "revision", revision)
	return r, nil
}

// resetIfOutOfBounds drops shared annotations that cannot belong to the
// loaded document, which happens when the snapshot lagged behind them.
func resetIfOutOfBounds(ctx context.Context, anns *annotation.Store, storage annotation.Storage, size int) error {
	state, err := anns.State(ctx)
	if err != nil {
		return fmt.Errorf("load annotations: %w", err)
	}
	valid := state.HighlightRange.IsSentinel() || state.HighlightRange.To <= size
	for _, s := range state.Suggestions {
		if s.To > size {
			valid = false
		}
	}
	if valid {
		return nil
	}
	if err := storage.Delete(ctx); err != nil {
		return fmt.Errorf("reset annotations: %w", err)
	}
	return storage.Init(ctx)
}

// Delete closes the room, disconnects its collaborators and removes every
// trace of the document. Deleting an unknown document succeeds.
func (g *Registry) Delete(ctx context.Context, documentID string) error {
	g.mu.Lock()
	r, ok := g.rooms[documentID]
	delete(g.rooms, documentID)
	g.mu.Unlock()

	if ok {
		r.shutdown(closeDeleted)
		g.metrics.RoomsOpen.Dec()
	}
	g.purge(ctx, documentID)

	msg := events.RoomDeleted{DocumentID: documentID, Instance: g.instance, At: time.Now().UTC()}
	if err := g.events.Publish(events.SubjectRoomDeleted, msg); err != nil {
		g.log.Warn("publish room deleted", "document", documentID, "error", err)
	}
	return nil
}

func (g *Registry) purge(ctx context.Context, documentID string) {
	if err := g.storage(RoomID(documentID)).Delete(ctx); err != nil {
		g.log.Warn("delete annotations failed", "document", documentID, "error", err)
	}
	if err := g.docs.DeleteDocument(ctx, documentID); err != nil {
		g.log.Warn("delete document failed", "document", documentID, "error", err)
	}
	if g.search != nil {
		g.search.DeleteDocument(documentID)
	}
}

// evict drops a room deleted by another instance. Shared state is already
// gone, so only local collaborators need to hear about it.
func (g *Registry) evict(documentID string) {
	g.mu.Lock()
	r, ok := g.rooms[documentID]
	delete(g.rooms, documentID)
	g.mu.Unlock()
	if ok {
		r.shutdown(closeDeleted)
		g.metrics.RoomsOpen.Dec()
	}
}

// drop closes r after this instance lost its lease. Unsaved edits are
// abandoned; the new owner works from the last snapshot.
func (g *Registry) drop(r *Room) {
	g.mu.Lock()
	cur, ok := g.rooms[r.id]
	if ok && cur == r {
		delete(g.rooms, r.id)
	}
	g.mu.Unlock()
	if ok && cur == r {
		r.shutdown(closeLost)
		g.metrics.RoomsOpen.Dec()
	}
}

// Listen evicts rooms deleted elsewhere.
func (g *Registry) Listen() error {
	return g.events.Subscribe(events.SubjectRoomDeleted, func(_ string, data []byte) {
		var msg events.RoomDeleted
		if err := json.Unmarshal(data, &msg); err != nil {
			g.log.Warn("bad room deleted event", "error", err)
			return
		}
		if msg.Instance == g.instance {
			return
		}
		g.evict(msg.DocumentID)
	})
}

// Close saves every open room and disconnects everyone.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = map[string]*Room{}
	g.mu.Unlock()
	for _, r := range rooms {
		r.shutdown(closeSaved)
		g.metrics.RoomsOpen.Dec()
	}
}

func (g *Registry) index(doc search.DocumentRecord) {
	if g.search != nil {
		g.search.IndexDocument(doc)
	}
}

func (g *Registry) acquire(ctx context.Context, documentID string) error {
	if g.leases == nil {
		return nil
	}
	err := g.leases.Acquire(ctx, RoomID(documentID), g.instance)
	if errors.Is(err, annotation.ErrLeaseHeld) {
		return fmt.Errorf("%w: %s", ErrRoomElsewhere, documentID)
	}
	return err
}

func (g *Registry) release(documentID string) {
	if g.leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.leases.Release(ctx, RoomID(documentID), g.instance); err != nil {
		g.log.Warn("release room lease", "document", documentID, "error", err)
	}
}

// holdLease renews r's lease until the returned func is called. Losing the
// lease closes the room.
func (g *Registry) holdLease(r *Room) func() {
	if g.leases == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	every := g.leases.TTL() / 3
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rctx, rcancel := context.WithTimeout(ctx, every)
			err := g.leases.Renew(rctx, RoomID(r.id), g.instance)
			rcancel()
			switch {
			case err == nil:
			case errors.Is(err, annotation.ErrLeaseHeld):
				r.log.Error("room lease lost, closing room")
				go g.drop(r)
				return
			case ctx.Err() == nil:
				r.log.Warn("renew room lease", "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
