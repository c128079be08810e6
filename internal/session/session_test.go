package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"signsync/internal/docstore"
	"signsync/internal/geometry"
	"signsync/internal/persistence"
	"signsync/internal/signing"
	"signsync/internal/transport"
)

type fakeDocuments struct {
	mu       sync.Mutex
	document docstore.Document
	err      error
	calls    int
	onFetch  func()
}

func (f *fakeDocuments) GetDocument(ctx context.Context, documentID signing.DocumentID) (docstore.Document, error) {
	f.mu.Lock()
	f.calls++
	document, err := f.document, f.err
	hook := f.onFetch
	f.onFetch = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return document, err
}

func (f *fakeDocuments) set(document docstore.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.document = document
}

type positionCall struct {
	id     signing.PlacementID
	update persistence.PositionUpdate
}

type fakeSignatures struct {
	mu        sync.Mutex
	createErr error
	serverID  signing.PlacementID
	onCreate  func(draft signing.SignaturePlacement)

	created   []signing.SignaturePlacement
	positions []positionCall
	deleted   []signing.PlacementID
	finalized []signing.PlacementID

	finalResult signing.SignaturePlacement
	finalErr    error
}

func (f *fakeSignatures) CreateDraft(ctx context.Context, placement signing.SignaturePlacement) (signing.SignaturePlacement, error) {
	if f.onCreate != nil {
		f.onCreate(placement)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return signing.SignaturePlacement{}, f.createErr
	}
	f.created = append(f.created, placement)
	created := placement
	if f.serverID != "" {
		created.ID = f.serverID
	}
	return created, nil
}

func (f *fakeSignatures) UpdatePosition(ctx context.Context, id signing.PlacementID, update persistence.PositionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, positionCall{id: id, update: update})
	return nil
}

func (f *fakeSignatures) DeleteDraft(ctx context.Context, id signing.PlacementID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSignatures) Finalize(ctx context.Context, documentID signing.DocumentID, draftID signing.PlacementID) (signing.SignaturePlacement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalErr != nil {
		return signing.SignaturePlacement{}, f.finalErr
	}
	f.finalized = append(f.finalized, draftID)
	return f.finalResult, nil
}

func (f *fakeSignatures) finalizedIDs() []signing.PlacementID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signing.PlacementID(nil), f.finalized...)
}

func (f *fakeSignatures) deletedIDs() []signing.PlacementID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signing.PlacementID(nil), f.deleted...)
}

func (f *fakeSignatures) positionCalls() []positionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]positionCall(nil), f.positions...)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
	ids  []string
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next < len(p.ids) {
		id := p.ids[p.next]
		p.next++
		return id, nil
	}
	return "", errors.New("id sequence exhausted")
}

func serverDraft(t *testing.T, id, user string, x float64) signing.SignaturePlacement {
	t.Helper()
	placementID, err := signing.NewPlacementID(id)
	if err != nil {
		t.Fatalf("invalid placement id %q: %v", id, err)
	}
	userID, err := signing.NewUserID(user)
	if err != nil {
		t.Fatalf("invalid user id %q: %v", user, err)
	}
	return signing.SignaturePlacement{
		ID:         placementID,
		DocumentID: "doc-1",
		UserID:     userID,
		PageNumber: 1,
		PositionX:  x,
		PositionY:  0.1,
		Width:      0.2,
		Height:     0.1,
		Status:     signing.StatusDraft,
	}
}

func newFixture(t *testing.T, documents *fakeDocuments, signatures *fakeSignatures) *Session {
	t.Helper()
	session, err := New(Config{
		DocumentID: "doc-1",
		Viewer:     "user-me",
		ViewerName: "Viewer",
		Documents:  documents,
		Signatures: signatures,
		IDProvider: &sequenceIDs{ids: []string{"tmp-1", "tmp-2", "tmp-3"}},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Config{Viewer: "u", Documents: &fakeDocuments{}, Signatures: &fakeSignatures{}})
	if err != errMissingDocumentID {
		t.Fatalf("expected missing document error, got %v", err)
	}
	_, err = New(Config{DocumentID: "d", Documents: &fakeDocuments{}, Signatures: &fakeSignatures{}})
	if err != errMissingViewer {
		t.Fatalf("expected missing viewer error, got %v", err)
	}
	_, err = New(Config{DocumentID: "d", Viewer: "u", Signatures: &fakeSignatures{}})
	if err != errMissingDocuments {
		t.Fatalf("expected missing fetcher error, got %v", err)
	}
	_, err = New(Config{DocumentID: "d", Viewer: "u", Documents: &fakeDocuments{}})
	if err != errMissingSignatures {
		t.Fatalf("expected missing signature api error, got %v", err)
	}
}

func TestStartLoadsDocumentState(t *testing.T) {
	final := serverDraft(t, "srv-final", "user-done", 0.5)
	final.Status = signing.StatusFinal
	documents := &fakeDocuments{document: docstore.Document{
		ID:               "doc-1",
		Status:           "in_progress",
		CurrentVersionID: "ver-7",
		Finals:           []signing.SignaturePlacement{final},
		Drafts:           []signing.SignaturePlacement{serverDraft(t, "srv-draft", "user-peer", 0.2)},
	}}
	session := newFixture(t, documents, &fakeSignatures{})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer session.Stop()

	placements := session.Placements()
	if len(placements) != 2 {
		t.Fatalf("expected both server records, got %d", len(placements))
	}
	if placements[0].ID != "srv-final" || placements[0].Status != signing.StatusFinal {
		t.Fatalf("expected final record first, got %+v", placements[0])
	}
}

func TestAddSignatureSwapsToServerID(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress", CurrentVersionID: "ver-7"}}
	signatures := &fakeSignatures{serverID: "srv-1"}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	record, err := session.AddSignature(context.Background(), AddInput{
		ImageURL: "https://cdn.example/sig.png",
		Page:     2,
		Box:      geometry.NormalizedBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.1},
	})
	if err != nil {
		t.Fatalf("add signature: %v", err)
	}
	if record.ID != "srv-1" {
		t.Fatalf("expected server id adopted, got %q", record.ID)
	}
	if record.DocumentVersionID != "ver-7" {
		t.Fatalf("expected version carried onto draft, got %q", record.DocumentVersionID)
	}
	if _, found := session.Store().Find("tmp-1"); found {
		t.Fatalf("provisional id should be gone after the swap")
	}
	if _, found := session.Store().Find("srv-1"); !found {
		t.Fatalf("canonical record missing from store")
	}
}

func TestAddSignatureRollsBackOnCreateFailure(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	signatures := &fakeSignatures{createErr: errors.New("backend down")}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := session.AddSignature(context.Background(), AddInput{Page: 1})
	if err == nil {
		t.Fatalf("expected create error to propagate")
	}
	if len(session.Placements()) != 0 {
		t.Fatalf("optimistic record should roll back, got %d", len(session.Placements()))
	}
	if session.Store().Tombstones().Contains("tmp-1") {
		t.Fatalf("rollback must not tombstone; the user may retry with a new drop")
	}
}

func TestAddSignatureRejectedAfterOwnFinal(t *testing.T) {
	ownFinal := serverDraft(t, "srv-final", "user-me", 0.5)
	ownFinal.Status = signing.StatusFinal
	documents := &fakeDocuments{document: docstore.Document{
		ID: "doc-1", Status: "in_progress",
		Finals: []signing.SignaturePlacement{ownFinal},
	}}
	session := newFixture(t, documents, &fakeSignatures{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := session.AddSignature(context.Background(), AddInput{Page: 1}); err != ErrAlreadySigned {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
}

func TestAddSignatureReplacesEarlierOwnDraft(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	final := serverDraft(t, "srv-final", "user-me", 0.5)
	final.Status = signing.StatusFinal
	signatures := &fakeSignatures{finalResult: final}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := session.AddSignature(context.Background(), AddInput{Page: 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	second, err := session.AddSignature(context.Background(), AddInput{
		Page: 2,
		Box:  geometry.NormalizedBox{X: 0.6, Y: 0.5, Width: 0.2, Height: 0.1},
	})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}

	ownDrafts := 0
	for _, record := range session.Placements() {
		if record.UserID == "user-me" && record.Status == signing.StatusDraft {
			ownDrafts++
		}
	}
	if ownDrafts != 1 {
		t.Fatalf("expected a single own draft after the second add, got %d", ownDrafts)
	}
	draft, found := session.Store().OwnDraft()
	if !found || draft.ID != second.ID {
		t.Fatalf("own draft must be the latest add, got %+v", draft)
	}
	if !session.Store().Tombstones().Contains("tmp-1") {
		t.Fatalf("replaced draft id must be tombstoned against late peer echoes")
	}

	if err := session.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	finalized := signatures.finalizedIDs()
	if len(finalized) != 1 || finalized[0] != second.ID {
		t.Fatalf("finalize must target the latest draft, got %v", finalized)
	}
}

func TestDeleteDuringCreateWins(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	signatures := &fakeSignatures{serverID: "srv-late"}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	signatures.onCreate = func(draft signing.SignaturePlacement) {
		if err := session.DeleteSignature(context.Background(), draft.ID); err != nil {
			t.Errorf("delete during create: %v", err)
		}
	}

	_, err := session.AddSignature(context.Background(), AddInput{Page: 1})
	if err != ErrDraftDeleted {
		t.Fatalf("expected ErrDraftDeleted, got %v", err)
	}
	if len(session.Placements()) != 0 {
		t.Fatalf("deleted draft must not resurface, got %d records", len(session.Placements()))
	}
	deleted := signatures.deletedIDs()
	if len(deleted) != 1 || deleted[0] != "srv-late" {
		t.Fatalf("expected one server cleanup against the canonical id, got %v", deleted)
	}
	if !session.Store().Tombstones().Contains("tmp-1") {
		t.Fatalf("provisional id should stay tombstoned")
	}
}

func TestSavePositionQueuedUntilCreateResolves(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	signatures := &fakeSignatures{serverID: "srv-2"}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	box := geometry.NormalizedBox{X: 0.4, Y: 0.4, Width: 0.2, Height: 0.1}
	signatures.onCreate = func(draft signing.SignaturePlacement) {
		session.SavePosition(context.Background(), draft.ID, box, 1)
		if calls := signatures.positionCalls(); len(calls) != 0 {
			t.Errorf("position save must wait for the create, got %d calls", len(calls))
		}
	}

	if _, err := session.AddSignature(context.Background(), AddInput{Page: 1}); err != nil {
		t.Fatalf("add signature: %v", err)
	}

	calls := signatures.positionCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one replayed position save, got %d", len(calls))
	}
	if calls[0].id != "srv-2" {
		t.Fatalf("replayed save must target the canonical id, got %q", calls[0].id)
	}
	if calls[0].update.PositionX != box.X || calls[0].update.Width != box.Width {
		t.Fatalf("replayed geometry mismatch: %+v", calls[0].update)
	}
}

func TestOwnDraftGeometrySurvivesRefresh(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	signatures := &fakeSignatures{}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := session.AddSignature(context.Background(), AddInput{
		Page: 1,
		Box:  geometry.NormalizedBox{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.1},
	}); err != nil {
		t.Fatalf("add signature: %v", err)
	}
	moved := geometry.NormalizedBox{X: 0.7, Y: 0.6, Width: 0.2, Height: 0.1}
	session.Store().UpdateGeometry("tmp-1", moved, 1, nil)

	// Server now reports the draft at its stale saved position.
	stale := serverDraft(t, "tmp-1", "user-me", 0.1)
	documents.set(docstore.Document{
		ID: "doc-1", Status: "in_progress",
		Drafts: []signing.SignaturePlacement{stale},
	})
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	record, found := session.Store().Find("tmp-1")
	if !found {
		t.Fatalf("own draft dropped by refresh")
	}
	if record.PositionX != moved.X || record.PositionY != moved.Y {
		t.Fatalf("local geometry lost to the server copy: %+v", record)
	}
}

func addPayload(record signing.SignaturePlacement) transport.AddSignaturePayload {
	return transport.AddSignaturePayload{
		DocumentID: record.DocumentID.String(),
		Signature:  signing.ToWire(record),
	}
}

func TestPeerEventsFlowIntoStore(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	session := newFixture(t, documents, &fakeSignatures{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	peer := serverDraft(t, "peer-1", "user-peer", 0.3)
	session.handlePeerAdd(addPayload(peer))
	if len(session.Placements()) != 1 {
		t.Fatalf("peer add should land in the store")
	}

	// Echo of the viewer's own broadcast is ignored.
	own := serverDraft(t, "own-echo", "user-me", 0.3)
	session.handlePeerAdd(addPayload(own))
	if _, found := session.Store().Find("own-echo"); found {
		t.Fatalf("own echoed add must be skipped")
	}

	mismatched := serverDraft(t, "peer-2", "user-other", 0.3)
	mismatched.DocumentID = "doc-9"
	session.handlePeerAdd(addPayload(mismatched))
	if _, found := session.Store().Find("peer-2"); found {
		t.Fatalf("add for another document must be skipped")
	}
}

func TestFinalizeReplacesDraftWithFinal(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	final := serverDraft(t, "srv-final", "user-me", 0.5)
	final.Status = signing.StatusFinal
	signatures := &fakeSignatures{finalResult: final}
	session := newFixture(t, documents, signatures)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := session.AddSignature(context.Background(), AddInput{Page: 1}); err != nil {
		t.Fatalf("add signature: %v", err)
	}
	documents.set(docstore.Document{
		ID: "doc-1", Status: "in_progress",
		Finals: []signing.SignaturePlacement{final},
	})

	if err := session.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	placements := session.Placements()
	if len(placements) != 1 {
		t.Fatalf("expected only the final record, got %d", len(placements))
	}
	if placements[0].ID != "srv-final" || placements[0].Status != signing.StatusFinal {
		t.Fatalf("unexpected record after finalize: %+v", placements[0])
	}
	if session.IsSaving() {
		t.Fatalf("saving flag must clear after finalize")
	}
}

func TestFinalizeWithoutDraft(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	session := newFixture(t, documents, &fakeSignatures{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := session.Finalize(context.Background()); err != ErrNoDraft {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestTerminalDocumentClearsAndBlocksEdits(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{
		ID: "doc-1", Status: "completed",
		Finals: []signing.SignaturePlacement{serverDraft(t, "srv-1", "user-a", 0.5)},
	}}
	session := newFixture(t, documents, &fakeSignatures{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(session.Placements()) != 0 {
		t.Fatalf("terminal document must clear local placements")
	}
	if _, err := session.AddSignature(context.Background(), AddInput{Page: 1}); err != ErrDocumentClosed {
		t.Fatalf("expected ErrDocumentClosed, got %v", err)
	}
	if err := session.Finalize(context.Background()); err != ErrDocumentClosed {
		t.Fatalf("expected ErrDocumentClosed, got %v", err)
	}
}

func TestUpdateSignatureLockRules(t *testing.T) {
	foreign := serverDraft(t, "peer-1", "user-peer", 0.3)
	foreign.Status = signing.StatusFinal
	documents := &fakeDocuments{document: docstore.Document{
		ID: "doc-1", Status: "in_progress",
		Finals: []signing.SignaturePlacement{foreign},
	}}
	session := newFixture(t, documents, &fakeSignatures{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	box := geometry.NormalizedBox{X: 0.2, Y: 0.2, Width: 0.2, Height: 0.1}
	if err := session.UpdateSignature(context.Background(), "peer-1", box, 1); err != ErrLocked {
		t.Fatalf("expected ErrLocked for a foreign final, got %v", err)
	}
	if err := session.UpdateSignature(context.Background(), "nope", box, 1); err != ErrUnknownPlacement {
		t.Fatalf("expected ErrUnknownPlacement, got %v", err)
	}
}

func TestStaleRefreshDiscarded(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{ID: "doc-1", Status: "in_progress"}}
	session := newFixture(t, documents, &fakeSignatures{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	documents.set(docstore.Document{
		ID: "doc-1", Status: "in_progress",
		Drafts: []signing.SignaturePlacement{serverDraft(t, "srv-1", "user-a", 0.2)},
	})
	if err := session.Refresh(ctx); err != context.Canceled {
		t.Fatalf("expected context error, got %v", err)
	}
	if len(session.Placements()) != 0 {
		t.Fatalf("cancelled refresh must not apply its result")
	}
}

func TestSupersededRefreshDiscarded(t *testing.T) {
	documents := &fakeDocuments{document: docstore.Document{
		ID: "doc-1", Status: "in_progress",
		Drafts: []signing.SignaturePlacement{serverDraft(t, "srv-old", "user-a", 0.2)},
	}}
	session := newFixture(t, documents, &fakeSignatures{})

	// While the first fetch is outstanding, a second refresh completes with
	// newer state. The first payload must be dropped, not applied on top.
	documents.onFetch = func() {
		documents.set(docstore.Document{
			ID: "doc-1", Status: "in_progress",
			Drafts: []signing.SignaturePlacement{serverDraft(t, "srv-new", "user-a", 0.8)},
		})
		if err := session.Refresh(context.Background()); err != nil {
			t.Errorf("nested refresh: %v", err)
		}
	}

	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	placements := session.Placements()
	if len(placements) != 1 || placements[0].ID != "srv-new" {
		t.Fatalf("superseded refresh overwrote the newer result: %+v", placements)
	}
}
