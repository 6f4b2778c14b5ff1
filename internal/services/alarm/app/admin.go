package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/alarmdeck/alarmdeck/internal/platform/errors"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/token"
)

const maxAlarmEventHistory = 100

// adminHandler serves the REST surface: registration, login, group and page
// management. It shares the store and broadcaster with the websocket core
// so permission changes made over HTTP fan out to live sessions too.
type adminHandler struct {
	store       storage.Store
	verifier    token.Verifier
	minter      *token.Minter
	broadcaster *broadcaster
}

func registerAdminRoutes(mux *http.ServeMux, deps handlerDeps, broadcaster *broadcaster) {
	h := &adminHandler{
		store:       deps.store,
		verifier:    deps.verifier,
		minter:      deps.minter,
		broadcaster: broadcaster,
	}

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("GET /me", h.me)
	mux.HandleFunc("POST /groups", h.createGroup)
	mux.HandleFunc("POST /groups/{groupID}/members/{userID}", h.addMember)
	mux.HandleFunc("DELETE /groups/{groupID}/members/{userID}", h.removeMember)
	mux.HandleFunc("POST /pages", h.createPage)
	mux.HandleFunc("GET /pages", h.listPages)
	mux.HandleFunc("PUT /pages/{pageID}/permissions", h.putPermission)
	mux.HandleFunc("DELETE /pages/{pageID}/permissions/{subjectType}/{subjectID}", h.deletePermission)
	mux.HandleFunc("GET /alarms/{alarmID}/events", h.listAlarmEvents)
}

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type nameBody struct {
	Name string `json:"name"`
}

type permissionBody struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	CanView     *bool  `json:"can_view,omitempty"`
	CanEdit     bool   `json:"can_edit,omitempty"`
}

func (h *adminHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *adminHandler) register(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodePayloadInvalid, "invalid request body"))
		return
	}
	if strings.TrimSpace(body.Username) == "" {
		writeAdminError(w, apperrors.New(apperrors.CodeUsernameEmpty, "username is required"))
		return
	}
	if body.Password == "" {
		writeAdminError(w, apperrors.New(apperrors.CodePayloadInvalid, "password is required"))
		return
	}

	hash, err := token.HashPassword(body.Password)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	user, err := h.store.CreateUser(r.Context(), body.Username, hash)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userJSON{ID: user.ID, Username: user.Username})
}

func (h *adminHandler) login(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodePayloadInvalid, "invalid request body"))
		return
	}

	cred, err := h.store.FindUserByUsername(r.Context(), body.Username)
	if err != nil || !token.CheckPassword(body.Password, cred.PasswordHash) {
		writeAdminError(w, apperrors.New(apperrors.CodeCredentialsInvalid, "incorrect username or password"))
		return
	}

	accessToken, err := h.minter.Mint(cred.User.ID, cred.User.Username)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": accessToken,
		"token_type":   "bearer",
	})
}

func (h *adminHandler) me(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	user, err := h.store.GetUser(r.Context(), identity.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userJSON{ID: user.ID, Username: user.Username})
}

func (h *adminHandler) createGroup(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var body nameBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodePayloadInvalid, "invalid request body"))
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeAdminError(w, apperrors.New(apperrors.CodeGroupNameEmpty, "group name is required"))
		return
	}

	group, err := h.store.CreateGroup(r.Context(), body.Name, identity.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": group.ID, "name": group.Name})
}

func (h *adminHandler) addMember(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		writeAdminError(w, err)
		return
	}

	groupID := r.PathValue("groupID")
	userID := r.PathValue("userID")

	h.withMembershipDiff(r.Context(), groupID, func(ctx context.Context) error {
		return h.store.AddMember(ctx, groupID, userID)
	}, w, map[string]string{"status": "added"})
}

func (h *adminHandler) removeMember(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		writeAdminError(w, err)
		return
	}

	groupID := r.PathValue("groupID")
	userID := r.PathValue("userID")

	h.withMembershipDiff(r.Context(), groupID, func(ctx context.Context) error {
		return h.store.RemoveMember(ctx, groupID, userID)
	}, w, map[string]string{"status": "removed"})
}

// withMembershipDiff snapshots the audience of every page granted to the
// group, applies the mutation, and emits grant/revoke frames for each page
// whose audience changed. Users who join or leave a group gain or lose
// access to those pages in real time.
func (h *adminHandler) withMembershipDiff(ctx context.Context, groupID string, mutate func(context.Context) error, w http.ResponseWriter, okBody any) {
	pageIDs, err := h.store.ListPagesForSubject(ctx, domain.GroupSubject(groupID))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	before := make(map[string]map[string]struct{}, len(pageIDs))
	for _, pageID := range pageIDs {
		audience, err := h.store.UsersWithViewAccess(ctx, pageID)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		before[pageID] = audience
	}

	if err := mutate(ctx); err != nil {
		writeAdminError(w, err)
		return
	}

	for _, pageID := range pageIDs {
		page, err := h.store.GetPage(ctx, pageID)
		if err != nil {
			log.Printf("alarm: reload page=%q after membership change: %v", pageID, err)
			continue
		}
		after, err := h.store.UsersWithViewAccess(ctx, pageID)
		if err != nil {
			log.Printf("alarm: recompute audience page=%q after membership change: %v", pageID, err)
			continue
		}
		h.broadcaster.emitAccessDiff(ctx, page, before[pageID], after)
	}

	writeJSON(w, http.StatusOK, okBody)
}

func (h *adminHandler) createPage(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var body nameBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodePayloadInvalid, "invalid request body"))
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeAdminError(w, apperrors.New(apperrors.CodePageNameEmpty, "page name is required"))
		return
	}

	page, err := h.store.CreatePage(r.Context(), body.Name, identity.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       page.ID,
		"name":     page.Name,
		"owner_id": page.OwnerID,
	})
}

func (h *adminHandler) listPages(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	visible, err := h.store.ListPagesVisibleTo(r.Context(), identity.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	pages := make([]pageJSON, 0, len(visible))
	for _, page := range visible {
		pages = append(pages, toPageJSON(page.Page, identity.UserID, page.CanEdit))
	}
	writeJSON(w, http.StatusOK, pages)
}

func (h *adminHandler) putPermission(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var body permissionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodePayloadInvalid, "invalid request body"))
		return
	}

	subjectType, err := domain.ParseSubjectType(body.SubjectType)
	if err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodeSubjectInvalid, err.Error()))
		return
	}
	subject := domain.Subject{Type: subjectType, ID: strings.TrimSpace(body.SubjectID)}
	if err := subject.Validate(); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodeSubjectInvalid, err.Error()))
		return
	}

	canView := true
	if body.CanView != nil {
		canView = *body.CanView
	}

	page, err := h.requireOwner(r.Context(), identity.UserID, r.PathValue("pageID"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	before, err := h.store.UsersWithViewAccess(r.Context(), page.ID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if err := h.store.UpsertPermission(r.Context(), domain.PagePermission{
		PageID:  page.ID,
		Subject: subject,
		CanView: canView,
		CanEdit: body.CanEdit,
	}); err != nil {
		writeAdminError(w, err)
		return
	}
	after, err := h.store.UsersWithViewAccess(r.Context(), page.ID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	h.broadcaster.emitAccessDiff(r.Context(), page, before, after)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *adminHandler) deletePermission(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	subjectType, err := domain.ParseSubjectType(r.PathValue("subjectType"))
	if err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodeSubjectInvalid, err.Error()))
		return
	}
	subject := domain.Subject{Type: subjectType, ID: r.PathValue("subjectID")}
	if err := subject.Validate(); err != nil {
		writeAdminError(w, apperrors.New(apperrors.CodeSubjectInvalid, err.Error()))
		return
	}

	page, err := h.requireOwner(r.Context(), identity.UserID, r.PathValue("pageID"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	before, err := h.store.UsersWithViewAccess(r.Context(), page.ID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if err := h.store.DeletePermission(r.Context(), page.ID, subject); err != nil {
		writeAdminError(w, err)
		return
	}
	after, err := h.store.UsersWithViewAccess(r.Context(), page.ID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	h.broadcaster.emitAccessDiff(r.Context(), page, before, after)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *adminHandler) listAlarmEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	alarm, err := h.store.GetAlarm(r.Context(), r.PathValue("alarmID"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	audience, err := h.store.UsersWithViewAccess(r.Context(), alarm.PageID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if _, ok := audience[identity.UserID]; !ok {
		writeAdminError(w, apperrors.New(apperrors.CodePermissionDenied, "permission denied: cannot access this alarm"))
		return
	}

	events, err := h.store.ListAlarmEvents(r.Context(), alarm.ID, maxAlarmEventHistory)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]any{
			"id":           event.ID,
			"alarm_id":     event.AlarmID,
			"triggered_by": event.TriggeredBy,
			"price":        event.Price,
			"triggered_at": event.TriggeredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// requireOwner loads the page and confirms the caller owns it.
func (h *adminHandler) requireOwner(ctx context.Context, userID string, pageID string) (domain.Page, error) {
	page, err := h.store.GetPage(ctx, pageID)
	if err != nil {
		return domain.Page{}, err
	}
	if page.OwnerID != userID {
		return domain.Page{}, apperrors.New(apperrors.CodeOwnerRequired, "permission denied: only owner can manage permissions")
	}
	return page, nil
}

func (h *adminHandler) authenticate(r *http.Request) (token.Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return token.Identity{}, apperrors.New(apperrors.CodeTokenInvalid, "bearer token required")
	}
	identity, err := h.verifier.Verify(strings.TrimSpace(value))
	if err != nil {
		return token.Identity{}, apperrors.New(apperrors.CodeTokenInvalid, "invalid access token")
	}
	return identity, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("alarm: write admin response: %v", err)
	}
}

// writeAdminError maps store and domain failures onto JSON error bodies
// with the matching status code.
func writeAdminError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"

	var domainErr *apperrors.Error
	switch {
	case errors.As(err, &domainErr):
		message = domainErr.Message
	case errors.Is(err, storage.ErrNotFound):
		code = apperrors.CodeNotFound
		message = "not found"
	case errors.Is(err, storage.ErrUsernameTaken):
		code = apperrors.CodeUsernameTaken
		message = "username already taken"
	case errors.Is(err, storage.ErrGroupNameTaken):
		code = apperrors.CodeGroupNameTaken
		message = "group name already taken"
	case errors.Is(err, storage.ErrAlreadyMember):
		code = apperrors.CodeAlreadyMember
		message = "user is already a group member"
	case errors.Is(err, storage.ErrOwnerSubject), errors.Is(err, storage.ErrInvalidSubject):
		code = apperrors.CodeSubjectInvalid
		message = err.Error()
	default:
		log.Printf("alarm: admin request failed: %v", err)
		code = apperrors.CodeInternal
	}

	writeJSON(w, code.HTTPStatus(), map[string]string{"error": message})
}
