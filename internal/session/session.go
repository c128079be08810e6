package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"signsync/internal/docstore"
	"signsync/internal/geometry"
	"signsync/internal/interaction"
	"signsync/internal/persistence"
	"signsync/internal/signing"
	"signsync/internal/transport"
)

// DocumentFetcher loads document and version metadata.
type DocumentFetcher interface {
	GetDocument(ctx context.Context, documentID signing.DocumentID) (docstore.Document, error)
}

// SignatureAPI is the persistence surface the session mutates through.
type SignatureAPI interface {
	CreateDraft(ctx context.Context, placement signing.SignaturePlacement) (signing.SignaturePlacement, error)
	UpdatePosition(ctx context.Context, id signing.PlacementID, update persistence.PositionUpdate) error
	DeleteDraft(ctx context.Context, id signing.PlacementID) error
	Finalize(ctx context.Context, documentID signing.DocumentID, draftID signing.PlacementID) (signing.SignaturePlacement, error)
}

// Config assembles a document signing session.
type Config struct {
	DocumentID signing.DocumentID
	GroupID    string
	Viewer     signing.UserID
	ViewerName string
	Documents  DocumentFetcher
	Signatures SignatureAPI
	Channel    *transport.Channel
	IDProvider signing.IDProvider
	Logger     *zap.Logger
}

var (
	errMissingDocumentID = errors.New("session: document id is required")
	errMissingViewer     = errors.New("session: viewer id is required")
	errMissingDocuments  = errors.New("session: document fetcher is required")
	errMissingSignatures = errors.New("session: signature api is required")
)

// Session owns the signature state for one open document: it reconciles
// fetches against local edits, relays socket events into the store, and
// applies mutations optimistically with rollback. One session per document
// view; construct on open, Stop on navigation away.
type Session struct {
	documentID signing.DocumentID
	groupID    string
	viewer     signing.UserID
	viewerName string
	documents  DocumentFetcher
	signatures SignatureAPI
	channel    *transport.Channel
	ids        signing.IDProvider
	logger     *zap.Logger

	store      *signing.Store
	controller *interaction.Controller
	pending    *persistence.PendingCreates

	fetchSeq  int64
	saving    int32
	refreshMu sync.Mutex

	mu           sync.Mutex
	terminal     bool
	versionID    string
	unsubscribes []func()
	started      bool
}

// New constructs a Session. Start must be called to join the document room
// and load initial state.
func New(cfg Config) (*Session, error) {
	if cfg.DocumentID == "" {
		return nil, errMissingDocumentID
	}
	if cfg.Viewer == "" {
		return nil, errMissingViewer
	}
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Signatures == nil {
		return nil, errMissingSignatures
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = signing.NewUUIDProvider()
	}

	store := signing.NewStore(cfg.Viewer)
	session := &Session{
		documentID: cfg.DocumentID,
		groupID:    cfg.GroupID,
		viewer:     cfg.Viewer,
		viewerName: cfg.ViewerName,
		documents:  cfg.Documents,
		signatures: cfg.Signatures,
		channel:    cfg.Channel,
		ids:        ids,
		logger:     logger,
		store:      store,
		pending:    persistence.NewPendingCreates(),
	}

	controller, err := interaction.NewController(interaction.ControllerConfig{
		Store:        store,
		DocumentID:   cfg.DocumentID,
		Broadcast:    session.broadcastDrag,
		SavePosition: session.SavePosition,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	session.controller = controller
	return session, nil
}

// Store exposes the reconciled placement store for rendering.
func (s *Session) Store() *signing.Store {
	return s.store
}

// Controller exposes the drag/resize controller.
func (s *Session) Controller() *interaction.Controller {
	return s.controller
}

// Placements returns a copy of the current reconciled list.
func (s *Session) Placements() []signing.SignaturePlacement {
	return s.store.Snapshot()
}

// IsSaving reports whether a finalize call is in flight.
func (s *Session) IsSaving() bool {
	return atomic.LoadInt32(&s.saving) == 1
}

// Start joins the socket rooms, wires inbound events, and loads initial
// document state. Idempotent.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.channel != nil {
		s.channel.JoinRoom(s.documentID.String())
		if s.groupID != "" {
			s.channel.JoinGroupRoom(s.groupID)
		}

		unsubscribePosition := s.channel.OnPositionUpdate(func(payload transport.DragPayload) {
			if payload.DocumentID != s.documentID.String() {
				return
			}
			s.controller.ApplyRemote(payload)
		})
		unsubscribeAdd := s.channel.OnAddSignatureLive(s.handlePeerAdd)
		unsubscribeRemove := s.channel.OnRemoveSignatureLive(func(payload transport.RemoveSignaturePayload) {
			if payload.DocumentID != s.documentID.String() {
				return
			}
			s.store.Remove(signing.PlacementID(payload.SignatureID))
		})
		unsubscribeRefetch := s.channel.OnRefetchData(func(payload transport.ReloadPayload) {
			if payload.DocumentID != "" && payload.DocumentID != s.documentID.String() {
				return
			}
			go func() {
				if err := s.Refresh(context.Background()); err != nil {
					s.logger.Warn("refetch after peer signal failed", zap.Error(err))
				}
			}()
		})

		s.mu.Lock()
		s.unsubscribes = append(s.unsubscribes,
			unsubscribePosition, unsubscribeAdd, unsubscribeRemove, unsubscribeRefetch)
		s.mu.Unlock()
	}

	return s.Refresh(ctx)
}

// Stop leaves the rooms, detaches socket handlers, and cancels interaction
// timers. The channel itself stays alive for the next document.
func (s *Session) Stop() {
	s.mu.Lock()
	unsubscribes := s.unsubscribes
	s.unsubscribes = nil
	s.mu.Unlock()
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	if s.channel != nil {
		s.channel.LeaveRoom(s.documentID.String())
		if s.groupID != "" {
			s.channel.LeaveGroupRoom(s.groupID)
		}
	}
	s.controller.Close()
}

func (s *Session) handlePeerAdd(payload transport.AddSignaturePayload) {
	if payload.DocumentID != s.documentID.String() {
		return
	}
	record, err := payload.Signature.Normalize(signing.StatusDraft)
	if err != nil {
		s.logger.Warn("dropping malformed peer placement", zap.Error(err))
		return
	}
	if record.UserID == s.viewer {
		// Own adds come back through the local optimistic path.
		return
	}
	s.store.Upsert(record)
}

func (s *Session) broadcastDrag(payload transport.DragPayload) {
	if s.channel != nil {
		s.channel.EmitDrag(payload)
	}
}

// Refresh fetches authoritative document state and reconciles it against the
// local list. A refresh superseded by a newer one (or a cancelled context)
// discards its result instead of applying stale data.
func (s *Session) Refresh(ctx context.Context) error {
	seq := atomic.AddInt64(&s.fetchSeq, 1)

	document, err := s.documents.GetDocument(ctx, s.documentID)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Staleness check and apply run under one lock; a superseded refresh
	// must never apply after the newer one has.
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if atomic.LoadInt64(&s.fetchSeq) != seq {
		return nil
	}

	if document.Terminal() {
		s.mu.Lock()
		s.terminal = true
		s.mu.Unlock()
		s.store.Clear()
		return nil
	}

	s.mu.Lock()
	s.terminal = false
	s.versionID = document.CurrentVersionID
	s.mu.Unlock()
	s.store.ApplyServer(document.Finals, document.Drafts)
	return nil
}

func (s *Session) isTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// AddInput describes a freshly dropped signature image.
type AddInput struct {
	ImageURL string
	Page     int
	Box      geometry.NormalizedBox
}

// AddSignature optimistically inserts the viewer's draft and persists it.
// The provisional UUID is reused as the canonical ID when the backend adopts
// it; otherwise the store swaps to the server-issued ID. On create failure
// the optimistic record rolls back, peers are told to drop it, and the error
// propagates.
func (s *Session) AddSignature(ctx context.Context, input AddInput) (signing.SignaturePlacement, error) {
	if s.isTerminal() {
		return signing.SignaturePlacement{}, ErrDocumentClosed
	}
	for _, record := range s.store.Snapshot() {
		if record.UserID == s.viewer && record.Status == signing.StatusFinal {
			return signing.SignaturePlacement{}, ErrAlreadySigned
		}
	}

	// One authoritative draft per signer. The backend drops the old row when
	// the new create lands; the local copy and peers drop it here.
	if prior, exists := s.store.OwnDraft(); exists {
		s.store.Remove(prior.ID)
		if s.channel != nil {
			s.channel.EmitRemoveSignature(transport.RemoveSignaturePayload{
				DocumentID:  s.documentID.String(),
				SignatureID: prior.ID.String(),
			})
		}
	}

	rawID, err := s.ids.NewID()
	if err != nil {
		return signing.SignaturePlacement{}, err
	}
	provisional := signing.PlacementID(rawID)

	page := input.Page
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	versionID := s.versionID
	s.mu.Unlock()

	draft := signing.SignaturePlacement{
		ID:                provisional,
		DocumentID:        s.documentID,
		DocumentVersionID: versionID,
		UserID:            s.viewer,
		SignerName:        s.viewerName,
		SignatureImageURL: input.ImageURL,
		PageNumber:        page,
		Status:            signing.StatusDraft,
	}
	draft.SetNormalizedBox(input.Box)

	s.pending.Begin(provisional)
	s.store.Upsert(draft)
	if s.channel != nil {
		s.channel.EmitAddSignature(transport.AddSignaturePayload{
			DocumentID: s.documentID.String(),
			Signature:  signing.ToWire(draft),
		})
	}

	created, err := s.signatures.CreateDraft(ctx, draft)
	if err != nil {
		s.pending.Abort(provisional)
		s.store.Discard(provisional)
		if s.channel != nil {
			s.channel.EmitRemoveSignature(transport.RemoveSignaturePayload{
				DocumentID:  s.documentID.String(),
				SignatureID: provisional.String(),
			})
		}
		s.logger.Error("draft create failed",
			zap.String("document_id", s.documentID.String()),
			zap.Error(err))
		return signing.SignaturePlacement{}, err
	}

	// The user may have deleted the draft while the create call was in
	// flight. The deletion wins: undo the server record, never re-add.
	if s.store.Tombstones().Contains(provisional) {
		s.pending.Abort(provisional)
		if deleteErr := s.signatures.DeleteDraft(ctx, created.ID); deleteErr != nil {
			s.logger.Warn("cleanup of pre-deleted draft failed", zap.Error(deleteErr))
		}
		return signing.SignaturePlacement{}, ErrDraftDeleted
	}

	canonical := created.ID
	if canonical != provisional {
		s.store.ReplaceID(provisional, canonical)
	}
	s.pending.Resolve(ctx, provisional, canonical)

	record, _ := s.store.Find(canonical)
	return record, nil
}

// SavePosition persists a placement's geometry after a gesture ends. While
// the record's create call is still in flight the save is queued and replays
// against the canonical ID; otherwise it fires immediately. Failures are
// logged and absorbed: position sync is best-effort and the next drag or
// refetch corrects drift.
func (s *Session) SavePosition(ctx context.Context, id signing.PlacementID, box geometry.NormalizedBox, page int) {
	update := persistence.PositionUpdate{
		PositionX:  box.X,
		PositionY:  box.Y,
		Width:      box.Width,
		Height:     box.Height,
		PageNumber: page,
	}
	deferred := s.pending.Defer(id, func(ctx context.Context, canonical signing.PlacementID) {
		s.pushPosition(ctx, canonical, update)
	})
	if deferred {
		return
	}
	s.pushPosition(ctx, id, update)
}

func (s *Session) pushPosition(ctx context.Context, id signing.PlacementID, update persistence.PositionUpdate) {
	if err := s.signatures.UpdatePosition(ctx, id, update); err != nil {
		s.logger.Warn("position save failed",
			zap.String("signature_id", id.String()),
			zap.Error(err))
	}
}

// UpdateSignature applies a programmatic geometry change: local update, peer
// broadcast, and the same best-effort persistence as a gesture end.
func (s *Session) UpdateSignature(ctx context.Context, id signing.PlacementID, box geometry.NormalizedBox, page int) error {
	record, found := s.store.Find(id)
	if !found {
		return ErrUnknownPlacement
	}
	if record.LockedFor(s.viewer) {
		return ErrLocked
	}

	s.store.UpdateGeometry(id, box, page, nil)
	s.broadcastDrag(transport.DragPayload{
		DocumentID:  s.documentID.String(),
		SignatureID: id.String(),
		PositionX:   box.X,
		PositionY:   box.Y,
		Width:       box.Width,
		Height:      box.Height,
		PageNumber:  page,
	})
	s.SavePosition(ctx, id, box, page)
	return nil
}

// DeleteSignature removes the viewer's draft. The ID is tombstoned before
// the network call so concurrent peer events referencing it are ignored;
// local removal and the peer broadcast happen immediately, and a failed
// server delete is logged but never rolls the removal back.
func (s *Session) DeleteSignature(ctx context.Context, id signing.PlacementID) error {
	record, found := s.store.Find(id)
	if found && record.LockedFor(s.viewer) {
		return ErrLocked
	}

	s.store.Remove(id)
	if s.channel != nil {
		s.channel.EmitRemoveSignature(transport.RemoveSignaturePayload{
			DocumentID:  s.documentID.String(),
			SignatureID: id.String(),
		})
	}

	// Create still in flight: the post-create tombstone check performs the
	// server-side cleanup once the canonical ID exists.
	if s.pending.InFlight(id) {
		return nil
	}

	if err := s.signatures.DeleteDraft(ctx, id); err != nil {
		s.logger.Warn("draft delete failed",
			zap.String("signature_id", id.String()),
			zap.Error(err))
	}
	return nil
}

// Finalize promotes the viewer's draft to a final signature, signals every
// room member to re-fetch, and replaces local state with server truth.
func (s *Session) Finalize(ctx context.Context) error {
	if s.isTerminal() {
		return ErrDocumentClosed
	}
	draft, found := s.store.OwnDraft()
	if !found {
		return ErrNoDraft
	}

	atomic.StoreInt32(&s.saving, 1)
	defer atomic.StoreInt32(&s.saving, 0)

	final, err := s.signatures.Finalize(ctx, s.documentID, draft.ID)
	if err != nil {
		return err
	}

	// Drop the local draft copy; the authoritative final record lands on
	// the refetch below.
	s.store.Discard(draft.ID)
	s.store.Upsert(final)
	if s.channel != nil {
		s.channel.NotifyDataChanged(s.documentID.String())
	}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("refresh after finalize failed", zap.Error(err))
	}
	return nil
}
