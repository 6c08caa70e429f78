package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/config"
	"inkwell/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	createUserFn           func(context.Context, store.User) error
	saveRefreshSessionFn   func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn func(context.Context, string) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	insertNoteFn           func(context.Context, store.Note) error
	getNoteFn              func(context.Context, string) (store.Note, error)
	getNoteAccessFn        func(context.Context, string) (*store.NoteAccess, error)
	listNotesAllFn         func(context.Context) ([]store.Note, error)
	listNotesByOwnerFn     func(context.Context, string) ([]store.Note, error)
	searchNotesFn          func(context.Context, string, string) ([]store.Note, error)
	updateNoteFn           func(context.Context, string, string, string, func(*store.NoteAccess) error) (store.Note, error)
	deleteNoteFn           func(context.Context, string, func(*store.NoteAccess) error) error
	addCollaboratorFn      func(context.Context, store.Collaborator) error
	listCollaboratorsFn    func(context.Context, string) ([]store.Collaborator, error)
	removeCollaboratorFn   func(context.Context, string, string) error
	insertSharedLinkFn     func(context.Context, store.SharedLink) error
	getSharedNoteFn        func(context.Context, string) (store.SharedNote, error)
	insertActivityFn       func(context.Context, string, string, string) error
	listActivityFn         func(context.Context, string) ([]store.ActivityEntry, error)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Name: "Test User", Role: "editor"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) InsertNote(ctx context.Context, note store.Note) error {
	if f.insertNoteFn != nil {
		return f.insertNoteFn(ctx, note)
	}
	return nil
}
func (f *fakeStore) GetNote(ctx context.Context, noteID string) (store.Note, error) {
	if f.getNoteFn != nil {
		return f.getNoteFn(ctx, noteID)
	}
	return store.Note{}, sql.ErrNoRows
}
func (f *fakeStore) GetNoteAccess(ctx context.Context, noteID string) (*store.NoteAccess, error) {
	if f.getNoteAccessFn != nil {
		return f.getNoteAccessFn(ctx, noteID)
	}
	return nil, nil
}
func (f *fakeStore) ListNotesAll(ctx context.Context) ([]store.Note, error) {
	if f.listNotesAllFn != nil {
		return f.listNotesAllFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ListNotesByOwner(ctx context.Context, ownerID string) ([]store.Note, error) {
	if f.listNotesByOwnerFn != nil {
		return f.listNotesByOwnerFn(ctx, ownerID)
	}
	return nil, nil
}
func (f *fakeStore) SearchNotes(ctx context.Context, userID, query string) ([]store.Note, error) {
	if f.searchNotesFn != nil {
		return f.searchNotesFn(ctx, userID, query)
	}
	return nil, nil
}
func (f *fakeStore) UpdateNote(ctx context.Context, noteID, title, content string, authorize func(*store.NoteAccess) error) (store.Note, error) {
	if f.updateNoteFn != nil {
		return f.updateNoteFn(ctx, noteID, title, content, authorize)
	}
	access, err := f.GetNoteAccess(ctx, noteID)
	if err != nil {
		return store.Note{}, err
	}
	if err := authorize(access); err != nil {
		return store.Note{}, err
	}
	return store.Note{ID: noteID, Title: title, Content: content, OwnerID: access.OwnerID}, nil
}
func (f *fakeStore) DeleteNote(ctx context.Context, noteID string, authorize func(*store.NoteAccess) error) error {
	if f.deleteNoteFn != nil {
		return f.deleteNoteFn(ctx, noteID, authorize)
	}
	access, err := f.GetNoteAccess(ctx, noteID)
	if err != nil {
		return err
	}
	return authorize(access)
}
func (f *fakeStore) AddCollaborator(ctx context.Context, collab store.Collaborator) error {
	if f.addCollaboratorFn != nil {
		return f.addCollaboratorFn(ctx, collab)
	}
	return nil
}
func (f *fakeStore) ListCollaborators(ctx context.Context, noteID string) ([]store.Collaborator, error) {
	if f.listCollaboratorsFn != nil {
		return f.listCollaboratorsFn(ctx, noteID)
	}
	return nil, nil
}
func (f *fakeStore) RemoveCollaborator(ctx context.Context, noteID, userID string) error {
	if f.removeCollaboratorFn != nil {
		return f.removeCollaboratorFn(ctx, noteID, userID)
	}
	return nil
}
func (f *fakeStore) InsertSharedLink(ctx context.Context, link store.SharedLink) error {
	if f.insertSharedLinkFn != nil {
		return f.insertSharedLinkFn(ctx, link)
	}
	return nil
}
func (f *fakeStore) GetSharedNote(ctx context.Context, token string) (store.SharedNote, error) {
	if f.getSharedNoteFn != nil {
		return f.getSharedNoteFn(ctx, token)
	}
	return store.SharedNote{}, sql.ErrNoRows
}
func (f *fakeStore) InsertActivity(ctx context.Context, userID, noteID, action string) error {
	if f.insertActivityFn != nil {
		return f.insertActivityFn(ctx, userID, noteID, action)
	}
	return nil
}
func (f *fakeStore) ListActivityForOwner(ctx context.Context, ownerID string) ([]store.ActivityEntry, error) {
	if f.listActivityFn != nil {
		return f.listActivityFn(ctx, ownerID)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   15 * time.Minute,
			RefreshTTL:  24 * time.Hour,
			FrontendURL: "http://localhost:3000",
		},
		store:    fs,
		sessions: pgSessions{store: fs},
	}
}

func sessionFor(userID, role string) Session {
	return Session{UserID: userID, UserName: "Test User", Role: role}
}

func TestCreateSessionAndRefreshRotation(t *testing.T) {
	ctx := context.Background()
	saved := map[string]string{}
	revoked := map[string]bool{}
	fs := &fakeStore{
		saveRefreshSessionFn: func(_ context.Context, hash, userID string, _ time.Time) error {
			saved[hash] = userID
			return nil
		},
		lookupRefreshSessionFn: func(_ context.Context, hash string) (store.User, error) {
			if revoked[hash] {
				return store.User{}, sql.ErrNoRows
			}
			if userID, ok := saved[hash]; ok {
				return store.User{ID: userID, Name: "Test User", Role: "editor"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		revokeRefreshSessionFn: func(_ context.Context, hash string) error {
			revoked[hash] = true
			return nil
		},
	}
	svc := newTestService(fs)

	sess, err := svc.CreateSession(ctx, store.User{ID: "usr_1", Name: "Test User", Role: "editor"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if saved[auth.HashToken(sess.RefreshToken)] != "usr_1" {
		t.Error("refresh token not stored by hash")
	}

	next, err := svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == sess.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The old token is single-use.
	if _, err := svc.Refresh(ctx, sess.RefreshToken); err == nil {
		t.Error("expected reused refresh token to fail")
	}
}

func TestSessionFromTokenRejectsRevokedJTI(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(_ context.Context, jti string) (bool, error) {
			return jti == "jti-revoked", nil
		},
	}
	svc := newTestService(fs)

	issue := func(jti string) string {
		token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
			Sub: "usr_1", Name: "Test User", Role: "editor", JTI: jti,
			Exp: time.Now().Add(time.Hour).Unix(),
		})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		return token
	}

	if _, err := svc.SessionFromToken(context.Background(), issue("jti-live")); err != nil {
		t.Fatalf("live token rejected: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), issue("jti-revoked")); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for revoked jti, got %v", err)
	}
}

func TestSessionRoleComesFromUserRecord(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Name: "Test User", Role: "admin"}, nil
		},
	}
	svc := newTestService(fs)

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: "usr_1", Name: "Test User", Role: "editor", JTI: "jti-1",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	sess, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if sess.Role != "admin" {
		t.Errorf("expected role from user record (admin), got %q", sess.Role)
	}
}

func TestCreateNoteRequiresTitleAndContent(t *testing.T) {
	svc := newTestService(&fakeStore{})
	for _, tc := range []struct{ title, content string }{
		{"   ", "body"},
		{"Title", ""},
		{"", ""},
	} {
		_, err := svc.CreateNote(context.Background(), sessionFor("usr_1", "editor"), tc.title, tc.content)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("title=%q content=%q: expected VALIDATION_ERROR, got %v", tc.title, tc.content, err)
		}
	}
}

func TestCreateNoteSurvivesActivityFailure(t *testing.T) {
	activityErr := errors.New("activity table unavailable")
	var inserted store.Note
	fs := &fakeStore{
		insertNoteFn: func(_ context.Context, note store.Note) error {
			inserted = note
			return nil
		},
		insertActivityFn: func(context.Context, string, string, string) error {
			return activityErr
		},
		getNoteFn: func(_ context.Context, noteID string) (store.Note, error) {
			return store.Note{ID: noteID, Title: "T", Content: "C", OwnerID: "usr_1", OwnerName: "Test User"}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateNote(context.Background(), sessionFor("usr_1", "editor"), "T", "C")
	if err != nil {
		t.Fatalf("expected create to succeed despite activity failure, got %v", err)
	}
	if payload["id"] != inserted.ID {
		t.Errorf("payload id %v does not match inserted note %s", payload["id"], inserted.ID)
	}
}

func TestDeleteNoteSurvivesActivityFailure(t *testing.T) {
	fs := &fakeStore{
		getNoteAccessFn: func(_ context.Context, noteID string) (*store.NoteAccess, error) {
			return &store.NoteAccess{NoteID: noteID, OwnerID: "usr_1"}, nil
		},
		insertActivityFn: func(context.Context, string, string, string) error {
			// The note row is gone by the time the activity insert runs.
			return errors.New("foreign key violation")
		},
	}
	svc := newTestService(fs)

	if err := svc.DeleteNote(context.Background(), sessionFor("usr_1", "editor"), "note_1"); err != nil {
		t.Fatalf("expected delete to succeed despite activity failure, got %v", err)
	}
}

func TestListNotesScopeByRole(t *testing.T) {
	allCalled := false
	ownCalled := false
	fs := &fakeStore{
		listNotesAllFn: func(context.Context) ([]store.Note, error) {
			allCalled = true
			return []store.Note{{ID: "note_1"}, {ID: "note_2"}}, nil
		},
		listNotesByOwnerFn: func(_ context.Context, ownerID string) ([]store.Note, error) {
			ownCalled = true
			return []store.Note{{ID: "note_1", OwnerID: ownerID}}, nil
		},
	}
	svc := newTestService(fs)

	items, err := svc.ListNotes(context.Background(), sessionFor("usr_1", "viewer"))
	if err != nil {
		t.Fatalf("ListNotes viewer: %v", err)
	}
	if !allCalled || len(items) != 2 {
		t.Errorf("viewer should list the whole corpus, allCalled=%v items=%d", allCalled, len(items))
	}

	allCalled = false
	items, err = svc.ListNotes(context.Background(), sessionFor("usr_1", "editor"))
	if err != nil {
		t.Fatalf("ListNotes editor: %v", err)
	}
	if allCalled || !ownCalled || len(items) != 1 {
		t.Errorf("editor should list owned notes only, allCalled=%v ownCalled=%v items=%d", allCalled, ownCalled, len(items))
	}
}

func TestSearchScopeIsOwnedOrCollaboratedForAllRoles(t *testing.T) {
	// The list view lets a viewer span the corpus; search never does.
	for _, role := range []string{"viewer", "editor", "admin"} {
		t.Run(role, func(t *testing.T) {
			var searchedUser string
			fs := &fakeStore{
				searchNotesFn: func(_ context.Context, userID, query string) ([]store.Note, error) {
					searchedUser = userID
					return []store.Note{{ID: "note_1", Title: "hit", OwnerID: userID}}, nil
				},
			}
			svc := newTestService(fs)

			payload, err := svc.SearchNotes(context.Background(), sessionFor("usr_"+role, role), "hit", 0, 0)
			if err != nil {
				t.Fatalf("SearchNotes: %v", err)
			}
			if searchedUser != "usr_"+role {
				t.Errorf("search not scoped to the requesting user, got %q", searchedUser)
			}
			if payload["total"] != 1 {
				t.Errorf("expected 1 result, got %v", payload["total"])
			}
		})
	}
}

func TestSearchNotesRejectsBlankQuery(t *testing.T) {
	svc := newTestService(&fakeStore{})

	for _, q := range []string{"", "   "} {
		_, err := svc.SearchNotes(context.Background(), sessionFor("usr_1", "editor"), q, 0, 0)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("q=%q: expected VALIDATION_ERROR, got %v", q, err)
		}
	}
}

func TestShareNoteBuildsFrontendURL(t *testing.T) {
	var savedLink store.SharedLink
	fs := &fakeStore{
		getNoteAccessFn: func(_ context.Context, noteID string) (*store.NoteAccess, error) {
			return &store.NoteAccess{NoteID: noteID, OwnerID: "usr_1"}, nil
		},
		insertSharedLinkFn: func(_ context.Context, link store.SharedLink) error {
			savedLink = link
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ShareNote(context.Background(), sessionFor("usr_1", "editor"), "note_1")
	if err != nil {
		t.Fatalf("ShareNote: %v", err)
	}
	wantURL := "http://localhost:3000/share/" + savedLink.Token
	if payload["shareUrl"] != wantURL {
		t.Errorf("shareUrl = %v, want %s", payload["shareUrl"], wantURL)
	}
	if savedLink.NoteID != "note_1" || savedLink.CreatedBy != "usr_1" {
		t.Errorf("unexpected link row: %+v", savedLink)
	}
}

func TestAddCollaboratorMapsDuplicateGrant(t *testing.T) {
	fs := &fakeStore{
		getNoteAccessFn: func(_ context.Context, noteID string) (*store.NoteAccess, error) {
			return &store.NoteAccess{NoteID: noteID, OwnerID: "usr_1"}, nil
		},
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_2", Name: "Collab", Email: email}, nil
		},
		addCollaboratorFn: func(context.Context, store.Collaborator) error {
			return store.ErrDuplicateGrant
		},
	}
	svc := newTestService(fs)

	_, err := svc.AddCollaborator(context.Background(), sessionFor("usr_1", "editor"), "note_1", "collab@example.com", "editor")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "DUPLICATE_COLLABORATOR" || domainErr.Status != 409 {
		t.Fatalf("expected 409 DUPLICATE_COLLABORATOR, got %v", err)
	}
}

func TestAddCollaboratorUnknownPermissionFallsBack(t *testing.T) {
	var added store.Collaborator
	fs := &fakeStore{
		getNoteAccessFn: func(_ context.Context, noteID string) (*store.NoteAccess, error) {
			return &store.NoteAccess{NoteID: noteID, OwnerID: "usr_1"}, nil
		},
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_2", Name: "Collab", Email: email}, nil
		},
		addCollaboratorFn: func(_ context.Context, collab store.Collaborator) error {
			added = collab
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.AddCollaborator(context.Background(), sessionFor("usr_1", "editor"), "note_1", "collab@example.com", "owner"); err != nil {
		t.Fatalf("AddCollaborator: %v", err)
	}
	if added.Permission != "viewer" {
		t.Errorf("unknown permission should fall back to viewer, got %q", added.Permission)
	}
}
