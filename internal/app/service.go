package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Activity log actions. Recording is best-effort: a failed insert is
// logged and the request proceeds.
const (
	ActionCreateNote = "CREATE_NOTE"
	ActionUpdateNote = "UPDATE_NOTE"
	ActionDeleteNote = "DELETE_NOTE"
	ActionShareNote  = "SHARE_NOTE"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertNote(context.Context, store.Note) error
	GetNote(context.Context, string) (store.Note, error)
	GetNoteAccess(context.Context, string) (*store.NoteAccess, error)
	ListNotesAll(context.Context) ([]store.Note, error)
	ListNotesByOwner(context.Context, string) ([]store.Note, error)
	SearchNotes(context.Context, string, string) ([]store.Note, error)
	UpdateNote(context.Context, string, string, string, func(*store.NoteAccess) error) (store.Note, error)
	DeleteNote(context.Context, string, func(*store.NoteAccess) error) error
	AddCollaborator(context.Context, store.Collaborator) error
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	RemoveCollaborator(context.Context, string, string) error
	InsertSharedLink(context.Context, store.SharedLink) error
	GetSharedNote(context.Context, string) (store.SharedNote, error)
	InsertActivity(context.Context, string, string, string) error
	ListActivityForOwner(context.Context, string) ([]store.ActivityEntry, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens. Redis when configured, otherwise
// the Postgres fallback below.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgSessions adapts the primary store to SessionStore.
type pgSessions struct {
	store dataStore
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexNote(rec search.NoteRecord)
	DeleteNote(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	search   searcher
	authpw   *authpw.Service
}

// New wires the service. sessions may be nil, in which case refresh
// tokens live in Postgres. searchSvc may be nil, in which case search
// runs as a SQL substring match.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, searchSvc *search.Service, authSvc *authpw.Service) *Service {
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		authpw: authSvc,
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	if sessions != nil {
		svc.sessions = sessions
	} else {
		svc.sessions = pgSessions{store: svc.store}
	}
	return svc
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti_")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := auth.NewRefreshToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh session issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Role comes from the user record, not the token, so role changes
	// apply without waiting out the token TTL.
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- notes ----

func (s *Service) principal(session Session) rbac.Principal {
	return rbac.Principal{ID: session.UserID, Role: rbac.Normalize(session.Role)}
}

func aclFrom(access *store.NoteAccess) rbac.NoteACL {
	if access == nil {
		return rbac.NoteACL{}
	}
	acl := rbac.NoteACL{OwnerID: access.OwnerID, Exists: true}
	for _, grant := range access.Grants {
		acl.Grants = append(acl.Grants, rbac.Grant{
			UserID:     grant.UserID,
			Permission: rbac.NormalizePermission(grant.Permission),
		})
	}
	return acl
}

func (s *Service) authorize(p rbac.Principal, access *store.NoteAccess, action rbac.Action) error {
	decision := rbac.Authorize(p, aclFrom(access), action)
	if !decision.Allowed {
		return decisionError(decision)
	}
	return nil
}

func (s *Service) CreateNote(ctx context.Context, session Session, title, content string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" || strings.TrimSpace(content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title and content are required", nil)
	}

	note := store.Note{
		ID:        util.NewID("note_"),
		Title:     title,
		Content:   content,
		OwnerID:   session.UserID,
		OwnerName: session.UserName,
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return nil, err
	}

	s.logActivity(ctx, session.UserID, note.ID, ActionCreateNote)
	s.indexNote(ctx, note.ID)

	created, err := s.store.GetNote(ctx, note.ID)
	if err != nil {
		// The insert succeeded; fall back to what we already know.
		created = note
		created.CreatedAt = time.Now()
		created.UpdatedAt = created.CreatedAt
	}
	return notePayload(created), nil
}

// ListNotes returns the notes visible in the list view. The viewer
// role audits the entire corpus; everyone else sees the notes they
// own. Collaborated notes are reachable by ID and through search, not
// through this list.
func (s *Service) ListNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	var (
		notes []store.Note
		err   error
	)
	if rbac.ListsEntireCorpus(s.principal(session)) {
		notes, err = s.store.ListNotesAll(ctx)
	} else {
		notes, err = s.store.ListNotesByOwner(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		items = append(items, notePayload(note))
	}
	return items, nil
}

// SearchNotes matches over the notes the user owns or collaborates
// on. Every role searches the same candidate set, including viewers:
// search is scoped to the user's own corner of the corpus even though
// the viewer list view spans everything.
func (s *Service) SearchNotes(ctx context.Context, session Session, query string, limit, offset int) (map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}

	if s.search != nil {
		resp := s.search.Search(search.Query{Text: query, UserID: session.UserID, Limit: limit, Offset: offset})
		return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
	}

	notes, err := s.store.SearchNotes(ctx, session.UserID, query)
	if err != nil {
		return nil, err
	}
	results := make([]search.Result, 0, len(notes))
	for _, note := range notes {
		results = append(results, search.Result{
			ID:        note.ID,
			Title:     note.Title,
			Snippet:   note.Content,
			OwnerID:   note.OwnerID,
			OwnerName: note.OwnerName,
		})
	}
	return map[string]any{"results": results, "total": len(results), "query": query}, nil
}

func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(s.principal(session), access, rbac.ActionRead); err != nil {
		return nil, err
	}

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return notePayload(note), nil
}

// UpdateNote authorizes and applies the edit inside one locked store
// transaction, so a permission revoked mid-flight cannot slip an edit
// through.
func (s *Service) UpdateNote(ctx context.Context, session Session, noteID, title, content string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	p := s.principal(session)
	note, err := s.store.UpdateNote(ctx, noteID, title, content, func(access *store.NoteAccess) error {
		return s.authorize(p, access, rbac.ActionWrite)
	})
	if err != nil {
		return nil, err
	}

	s.logActivity(ctx, session.UserID, noteID, ActionUpdateNote)
	s.indexNote(ctx, noteID)
	return notePayload(note), nil
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	p := s.principal(session)
	err := s.store.DeleteNote(ctx, noteID, func(access *store.NoteAccess) error {
		return s.authorize(p, access, rbac.ActionDelete)
	})
	if err != nil {
		return err
	}

	// The note row is gone, so this insert fails on the FK and the
	// deletion goes unrecorded. Best-effort logging swallows it.
	s.logActivity(ctx, session.UserID, noteID, ActionDeleteNote)
	if s.search != nil {
		s.search.DeleteNote(noteID)
	}
	return nil
}

// ---- collaborators ----

func (s *Service) AddCollaborator(ctx context.Context, session Session, noteID, email, permission string) (map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(s.principal(session), access, rbac.ActionManageCollaborators); err != nil {
		return nil, err
	}

	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user with that email", nil)
	}
	if user.ID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "The owner is not a collaborator", nil)
	}

	collab := store.Collaborator{
		ID:         util.NewID("col_"),
		NoteID:     noteID,
		UserID:     user.ID,
		Permission: string(rbac.NormalizePermission(permission)),
	}
	if err := s.store.AddCollaborator(ctx, collab); err != nil {
		if errors.Is(err, store.ErrDuplicateGrant) {
			return nil, domainError(http.StatusConflict, "DUPLICATE_COLLABORATOR", "User is already a collaborator", nil)
		}
		return nil, err
	}

	s.logActivity(ctx, session.UserID, noteID, ActionShareNote)
	s.indexNote(ctx, noteID)

	return map[string]any{
		"id":         collab.ID,
		"noteId":     collab.NoteID,
		"userId":     user.ID,
		"userName":   user.Name,
		"email":      user.Email,
		"permission": collab.Permission,
	}, nil
}

func (s *Service) ListCollaborators(ctx context.Context, session Session, noteID string) ([]map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID)
	if err != nil {
		return nil, err
	}
	// Reading the roster takes note visibility, not ownership.
	if err := s.authorize(s.principal(session), access, rbac.ActionRead); err != nil {
		return nil, err
	}

	collabs, err := s.store.ListCollaborators(ctx, noteID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(collabs))
	for _, collab := range collabs {
		items = append(items, map[string]any{
			"id":         collab.ID,
			"noteId":     collab.NoteID,
			"userId":     collab.UserID,
			"userName":   collab.UserName,
			"email":      collab.UserEmail,
			"permission": collab.Permission,
			"addedAt":    collab.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, noteID, userID string) error {
	access, err := s.store.GetNoteAccess(ctx, noteID)
	if err != nil {
		return err
	}
	if err := s.authorize(s.principal(session), access, rbac.ActionManageCollaborators); err != nil {
		return err
	}

	if err := s.store.RemoveCollaborator(ctx, noteID, userID); err != nil {
		return err
	}
	s.indexNote(ctx, noteID)
	return nil
}

// ---- shared links ----

func (s *Service) ShareNote(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(s.principal(session), access, rbac.ActionShare); err != nil {
		return nil, err
	}

	link := store.SharedLink{
		ID:        util.NewID("shl_"),
		NoteID:    noteID,
		Token:     auth.NewRefreshToken(),
		CreatedBy: session.UserID,
	}
	if err := s.store.InsertSharedLink(ctx, link); err != nil {
		return nil, err
	}

	s.logActivity(ctx, session.UserID, noteID, ActionShareNote)

	return map[string]any{
		"token":    link.Token,
		"shareUrl": strings.TrimRight(s.cfg.FrontendURL, "/") + "/share/" + link.Token,
	}, nil
}

// SharedNote resolves a share token into the public projection of a
// note. No authentication; the token is the capability.
func (s *Service) SharedNote(ctx context.Context, token string) (map[string]any, error) {
	note, err := s.store.GetSharedNote(ctx, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        note.ID,
		"title":     note.Title,
		"content":   note.Content,
		"updatedAt": note.UpdatedAt,
	}, nil
}

// ---- activity ----

func (s *Service) Activity(ctx context.Context, session Session) ([]map[string]any, error) {
	entries, err := s.store.ListActivityForOwner(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":        entry.ID,
			"userId":    entry.UserID,
			"userName":  entry.UserName,
			"noteId":    entry.NoteID,
			"noteTitle": entry.NoteTitle,
			"action":    entry.Action,
			"createdAt": entry.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) logActivity(ctx context.Context, userID, noteID, action string) {
	if err := s.store.InsertActivity(ctx, userID, noteID, action); err != nil {
		log.Printf("activity: record %s on %s: %v", action, noteID, err)
	}
}

// indexNote pushes the current state of a note into the search index.
// Indexing is advisory; errors surface in the search service's logs.
func (s *Service) indexNote(ctx context.Context, noteID string) {
	if s.search == nil {
		return
	}
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return
	}
	access, err := s.store.GetNoteAccess(ctx, noteID)
	if err != nil || access == nil {
		return
	}
	rec := search.NoteRecord{
		ID:        note.ID,
		Title:     note.Title,
		Content:   note.Content,
		OwnerID:   note.OwnerID,
		OwnerName: note.OwnerName,
	}
	for _, grant := range access.Grants {
		rec.CollaboratorIDs = append(rec.CollaboratorIDs, grant.UserID)
	}
	s.search.IndexNote(rec)
}

func notePayload(note store.Note) map[string]any {
	return map[string]any{
		"id":        note.ID,
		"title":     note.Title,
		"content":   note.Content,
		"ownerId":   note.OwnerID,
		"ownerName": note.OwnerName,
		"createdAt": note.CreatedAt,
		"updatedAt": note.UpdatedAt,
	}
}
