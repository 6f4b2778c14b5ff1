package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage/sqlite"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/token"
	"golang.org/x/net/websocket"
)

type wsTestFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsTestInitialState struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Pages  []wsTestPage  `json:"pages"`
	Alarms []wsTestAlarm `json:"alarms"`
}

type wsTestPage struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	IsOwner bool   `json:"is_owner"`
	CanEdit bool   `json:"can_edit"`
}

type wsTestAlarm struct {
	ID        string `json:"id"`
	PageID    string `json:"page_id"`
	Ticker    string `json:"ticker"`
	Option    string `json:"option"`
	Condition string `json:"condition"`
	Active    bool   `json:"active"`
}

type wsTestAlarmUpdate struct {
	AlarmID string          `json:"alarm_id"`
	PageID  string          `json:"page_id"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data"`
}

type wsTestGranted struct {
	Page   wsTestPage    `json:"page"`
	Alarms []wsTestAlarm `json:"alarms"`
}

type wsTestEnv struct {
	store  *sqlite.Store
	minter *token.Minter
	srv    *httptest.Server
}

func newWSTestEnv(t *testing.T) *wsTestEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "alarm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	minter, err := token.NewMinter("ws-test-secret", time.Hour, nil)
	if err != nil {
		t.Fatalf("init minter: %v", err)
	}

	srv := httptest.NewServer(newHandler(handlerDeps{
		store:    store,
		verifier: minter,
		minter:   minter,
	}))
	t.Cleanup(srv.Close)

	return &wsTestEnv{store: store, minter: minter, srv: srv}
}

func (env *wsTestEnv) registerUser(t *testing.T, username string) (domain.User, string) {
	t.Helper()
	user, err := env.store.CreateUser(context.Background(), username, "test-hash")
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	accessToken, err := env.minter.Mint(user.ID, user.Username)
	if err != nil {
		t.Fatalf("mint token for %s: %v", username, err)
	}
	return user, accessToken
}

func (env *wsTestEnv) dial(t *testing.T, accessToken string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + accessToken
	conn, err := websocket.Dial(wsURL, "", env.srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(300 * time.Millisecond))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("expected no frame, got type=%s payload=%s", got.Type, got.Payload)
	}
}

func readInitialState(t *testing.T, conn *websocket.Conn) wsTestInitialState {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != "initial_state" {
		t.Fatalf("expected initial_state first, got %s", frame.Type)
	}
	var state wsTestInitialState
	if err := json.Unmarshal(frame.Payload, &state); err != nil {
		t.Fatalf("decode initial_state: %v", err)
	}
	return state
}

func decodeAlarmUpdate(t *testing.T, frame wsTestFrame) wsTestAlarmUpdate {
	t.Helper()
	if frame.Type != "alarm_update" {
		t.Fatalf("expected alarm_update, got %s payload=%s", frame.Type, frame.Payload)
	}
	var update wsTestAlarmUpdate
	if err := json.Unmarshal(frame.Payload, &update); err != nil {
		t.Fatalf("decode alarm_update: %v", err)
	}
	return update
}

func TestWSRejectsMissingToken(t *testing.T) {
	env := newWSTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	if _, err := websocket.Dial(wsURL, "", env.srv.URL); err == nil {
		t.Fatal("expected handshake failure without token")
	}
}

func TestWSRejectsInvalidToken(t *testing.T) {
	env := newWSTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=garbage"
	if _, err := websocket.Dial(wsURL, "", env.srv.URL); err == nil {
		t.Fatal("expected handshake failure with invalid token")
	}
}

func TestInitialStateEmptyForNewUser(t *testing.T) {
	env := newWSTestEnv(t)
	user, accessToken := env.registerUser(t, "ada")

	conn := env.dial(t, accessToken)
	state := readInitialState(t, conn)

	if state.User.ID != user.ID || state.User.Username != "ada" {
		t.Fatalf("unexpected user in initial state: %+v", state.User)
	}
	if len(state.Pages) != 0 || len(state.Alarms) != 0 {
		t.Fatalf("expected empty snapshot, got %d pages %d alarms", len(state.Pages), len(state.Alarms))
	}
}

func TestInitialStateIncludesVisiblePagesAndAlarms(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if _, err := env.store.CreateAlarm(context.Background(), domain.Alarm{
		PageID:    page.ID,
		Ticker:    "EUR/USD",
		Option:    "spot",
		Condition: "above",
		CreatedBy: ada.ID,
		Active:    true,
	}); err != nil {
		t.Fatalf("create alarm: %v", err)
	}

	conn := env.dial(t, adaToken)
	state := readInitialState(t, conn)

	if len(state.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(state.Pages))
	}
	if !state.Pages[0].IsOwner || !state.Pages[0].CanEdit {
		t.Fatalf("expected owner flags, got %+v", state.Pages[0])
	}
	if len(state.Alarms) != 1 || state.Alarms[0].Ticker != "EUR/USD" {
		t.Fatalf("unexpected alarms in snapshot: %+v", state.Alarms)
	}
}

func TestSharePageGrantsAndBroadcasts(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}

	adaConn := env.dial(t, adaToken)
	readInitialState(t, adaConn)
	bobConn := env.dial(t, bobToken)
	if state := readInitialState(t, bobConn); len(state.Pages) != 0 {
		t.Fatalf("expected empty pages for bob, got %d", len(state.Pages))
	}

	writeFrame(t, adaConn, map[string]any{
		"type": "share_page",
		"payload": map[string]any{
			"page_id":      page.ID,
			"subject_type": "user",
			"subject_id":   bob.ID,
			"can_view":     true,
			"can_edit":     false,
		},
	})
	if frame := readFrame(t, adaConn); frame.Type != "success" {
		t.Fatalf("expected success for ada, got %s payload=%s", frame.Type, frame.Payload)
	}

	grantFrame := readFrame(t, bobConn)
	if grantFrame.Type != "page_access_granted" {
		t.Fatalf("expected page_access_granted, got %s", grantFrame.Type)
	}
	var granted wsTestGranted
	if err := json.Unmarshal(grantFrame.Payload, &granted); err != nil {
		t.Fatalf("decode granted payload: %v", err)
	}
	if granted.Page.ID != page.ID || granted.Page.Name != "Trading" || granted.Page.OwnerID != ada.ID {
		t.Fatalf("unexpected granted page: %+v", granted.Page)
	}
	if granted.Page.IsOwner || granted.Page.CanEdit {
		t.Fatalf("expected view-only flags, got %+v", granted.Page)
	}
	if len(granted.Alarms) != 0 {
		t.Fatalf("expected no alarms yet, got %d", len(granted.Alarms))
	}

	// Alarm creation reaches both the owner and the grantee.
	writeFrame(t, adaConn, map[string]any{
		"type": "create_alarm",
		"payload": map[string]any{
			"page_id":   page.ID,
			"ticker":    "EUR/USD",
			"option":    "spot",
			"condition": "above",
		},
	})
	adaUpdate := decodeAlarmUpdate(t, readFrame(t, adaConn))
	bobUpdate := decodeAlarmUpdate(t, readFrame(t, bobConn))
	if adaUpdate.Action != "created" || bobUpdate.Action != "created" {
		t.Fatalf("expected created broadcasts, got %s / %s", adaUpdate.Action, bobUpdate.Action)
	}
	if adaUpdate.AlarmID != bobUpdate.AlarmID {
		t.Fatal("expected identical alarm id on both sessions")
	}

	// A viewer cannot edit: bob gets an error and ada hears nothing.
	writeFrame(t, bobConn, map[string]any{
		"type": "update_alarm",
		"payload": map[string]any{
			"alarm_id": bobUpdate.AlarmID,
			"ticker":   "GBP/USD",
		},
	})
	if frame := readFrame(t, bobConn); frame.Type != "error" {
		t.Fatalf("expected error for bob, got %s", frame.Type)
	}
	expectNoFrame(t, adaConn)
}

func TestShareIdempotentEmitsNoSecondGrant(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}

	adaConn := env.dial(t, adaToken)
	readInitialState(t, adaConn)
	bobConn := env.dial(t, bobToken)
	readInitialState(t, bobConn)

	share := map[string]any{
		"type": "share_page",
		"payload": map[string]any{
			"page_id":      page.ID,
			"subject_type": "user",
			"subject_id":   bob.ID,
			"can_view":     true,
			"can_edit":     false,
		},
	}

	writeFrame(t, adaConn, share)
	if frame := readFrame(t, adaConn); frame.Type != "success" {
		t.Fatalf("expected success, got %s", frame.Type)
	}
	if frame := readFrame(t, bobConn); frame.Type != "page_access_granted" {
		t.Fatalf("expected grant, got %s", frame.Type)
	}

	// Identical share: audience diff is empty, bob hears nothing new.
	writeFrame(t, adaConn, share)
	if frame := readFrame(t, adaConn); frame.Type != "success" {
		t.Fatalf("expected success on repeat, got %s", frame.Type)
	}
	expectNoFrame(t, bobConn)
}

func TestUnshareEmitsRevokedAndStopsEvents(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if err := env.store.UpsertPermission(context.Background(), domain.PagePermission{
		PageID:  page.ID,
		Subject: domain.UserSubject(bob.ID),
		CanView: true,
	}); err != nil {
		t.Fatalf("upsert permission: %v", err)
	}

	adaConn := env.dial(t, adaToken)
	readInitialState(t, adaConn)
	bobConn := env.dial(t, bobToken)
	if state := readInitialState(t, bobConn); len(state.Pages) != 1 {
		t.Fatalf("expected shared page in bob's snapshot, got %d", len(state.Pages))
	}

	writeFrame(t, adaConn, map[string]any{
		"type": "unshare_page",
		"payload": map[string]any{
			"page_id":      page.ID,
			"subject_type": "user",
			"subject_id":   bob.ID,
		},
	})
	if frame := readFrame(t, adaConn); frame.Type != "success" {
		t.Fatalf("expected success, got %s", frame.Type)
	}

	revoked := readFrame(t, bobConn)
	if revoked.Type != "page_access_revoked" {
		t.Fatalf("expected page_access_revoked, got %s", revoked.Type)
	}
	var payload struct {
		PageID string `json:"page_id"`
	}
	if err := json.Unmarshal(revoked.Payload, &payload); err != nil {
		t.Fatalf("decode revoked payload: %v", err)
	}
	if payload.PageID != page.ID {
		t.Fatalf("unexpected page id: %s", payload.PageID)
	}

	// Later events no longer reach bob.
	writeFrame(t, adaConn, map[string]any{
		"type": "create_alarm",
		"payload": map[string]any{
			"page_id":   page.ID,
			"ticker":    "EUR/USD",
			"option":    "spot",
			"condition": "above",
		},
	})
	if frame := readFrame(t, adaConn); frame.Type != "alarm_update" {
		t.Fatalf("expected alarm_update for ada, got %s", frame.Type)
	}
	expectNoFrame(t, bobConn)
}

func TestEditImpliesViewGrantsSnapshotAndEdit(t *testing.T) {
	env := newWSTestEnv(t)
	ada, _ := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if err := env.store.UpsertPermission(context.Background(), domain.PagePermission{
		PageID:  page.ID,
		Subject: domain.UserSubject(bob.ID),
		CanView: false,
		CanEdit: true,
	}); err != nil {
		t.Fatalf("upsert permission: %v", err)
	}

	bobConn := env.dial(t, bobToken)
	state := readInitialState(t, bobConn)
	if len(state.Pages) != 1 || !state.Pages[0].CanEdit || state.Pages[0].IsOwner {
		t.Fatalf("expected editable non-owned page, got %+v", state.Pages)
	}

	writeFrame(t, bobConn, map[string]any{
		"type": "create_alarm",
		"payload": map[string]any{
			"page_id":   page.ID,
			"ticker":    "EUR/USD",
			"option":    "spot",
			"condition": "above",
		},
	})
	update := decodeAlarmUpdate(t, readFrame(t, bobConn))
	if update.Action != "created" {
		t.Fatalf("expected created, got %s", update.Action)
	}
}

func TestTriggerByViewerBroadcastsWithPrice(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	alarm, err := env.store.CreateAlarm(context.Background(), domain.Alarm{
		PageID:    page.ID,
		Ticker:    "EUR/USD",
		Option:    "spot",
		Condition: "above",
		CreatedBy: ada.ID,
		Active:    true,
	})
	if err != nil {
		t.Fatalf("create alarm: %v", err)
	}
	if err := env.store.UpsertPermission(context.Background(), domain.PagePermission{
		PageID:  page.ID,
		Subject: domain.UserSubject(bob.ID),
		CanView: true,
	}); err != nil {
		t.Fatalf("upsert permission: %v", err)
	}

	adaConn := env.dial(t, adaToken)
	readInitialState(t, adaConn)
	bobConn := env.dial(t, bobToken)
	readInitialState(t, bobConn)

	writeFrame(t, bobConn, map[string]any{
		"type": "trigger_alarm",
		"payload": map[string]any{
			"alarm_id": alarm.ID,
			"price":    1.0850,
		},
	})

	for _, conn := range []*websocket.Conn{adaConn, bobConn} {
		update := decodeAlarmUpdate(t, readFrame(t, conn))
		if update.Action != "triggered" {
			t.Fatalf("expected triggered, got %s", update.Action)
		}
		var data struct {
			Price       *float64 `json:"price"`
			TriggeredBy string   `json:"triggered_by"`
		}
		if err := json.Unmarshal(update.Data, &data); err != nil {
			t.Fatalf("decode trigger data: %v", err)
		}
		if data.Price == nil || *data.Price != 1.0850 {
			t.Fatalf("unexpected price: %v", data.Price)
		}
		if data.TriggeredBy != "bob" {
			t.Fatalf("unexpected triggered_by: %s", data.TriggeredBy)
		}
	}

	events, err := env.store.ListAlarmEvents(context.Background(), alarm.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].TriggeredBy != bob.ID {
		t.Fatalf("unexpected event log: %+v", events)
	}
}

func TestMultiSessionSameUserReceivesBoth(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if err := env.store.UpsertPermission(context.Background(), domain.PagePermission{
		PageID:  page.ID,
		Subject: domain.UserSubject(bob.ID),
		CanView: true,
	}); err != nil {
		t.Fatalf("upsert permission: %v", err)
	}

	adaConn1 := env.dial(t, adaToken)
	readInitialState(t, adaConn1)
	adaConn2 := env.dial(t, adaToken)
	readInitialState(t, adaConn2)
	bobConn := env.dial(t, bobToken)
	readInitialState(t, bobConn)

	alarm, err := env.store.CreateAlarm(context.Background(), domain.Alarm{
		PageID:    page.ID,
		Ticker:    "EUR/USD",
		Option:    "spot",
		Condition: "above",
		CreatedBy: ada.ID,
		Active:    true,
	})
	if err != nil {
		t.Fatalf("create alarm: %v", err)
	}

	writeFrame(t, bobConn, map[string]any{
		"type": "trigger_alarm",
		"payload": map[string]any{
			"alarm_id": alarm.ID,
		},
	})

	for _, conn := range []*websocket.Conn{adaConn1, adaConn2, bobConn} {
		update := decodeAlarmUpdate(t, readFrame(t, conn))
		if update.Action != "triggered" {
			t.Fatalf("expected triggered on every session, got %s", update.Action)
		}
	}
}

func TestUnknownTypeAndMalformedPayloadKeepSessionOpen(t *testing.T) {
	env := newWSTestEnv(t)
	ada, adaToken := env.registerUser(t, "ada")

	conn := env.dial(t, adaToken)
	readInitialState(t, conn)

	writeFrame(t, conn, map[string]any{"type": "bogus", "payload": map[string]any{}})
	if frame := readFrame(t, conn); frame.Type != "error" {
		t.Fatalf("expected error for unknown type, got %s", frame.Type)
	}

	writeFrame(t, conn, map[string]any{"type": "create_alarm", "payload": map[string]any{}})
	if frame := readFrame(t, conn); frame.Type != "error" {
		t.Fatalf("expected error for invalid payload, got %s", frame.Type)
	}

	// Session still works after errors.
	writeFrame(t, conn, map[string]any{"type": "create_page", "payload": map[string]any{"name": "Recovered"}})
	if frame := readFrame(t, conn); frame.Type != "success" {
		t.Fatalf("expected success after recovering, got %s", frame.Type)
	}

	pages, err := env.store.ListPagesVisibleTo(context.Background(), ada.ID)
	if err != nil {
		t.Fatalf("list pages: %v", err)
	}
	if len(pages) != 1 || pages[0].Page.Name != "Recovered" {
		t.Fatalf("expected created page, got %+v", pages)
	}
}

func TestCreatePageSuccessOnlyToCreator(t *testing.T) {
	env := newWSTestEnv(t)
	_, adaToken := env.registerUser(t, "ada")
	_, bobToken := env.registerUser(t, "bob")

	adaConn := env.dial(t, adaToken)
	readInitialState(t, adaConn)
	bobConn := env.dial(t, bobToken)
	readInitialState(t, bobConn)

	writeFrame(t, adaConn, map[string]any{
		"type":    "create_page",
		"payload": map[string]any{"name": "Private"},
	})
	frame := readFrame(t, adaConn)
	if frame.Type != "success" {
		t.Fatalf("expected success, got %s", frame.Type)
	}
	var success struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(frame.Payload, &success); err != nil {
		t.Fatalf("decode success payload: %v", err)
	}
	if success.Action != "page_created" {
		t.Fatalf("unexpected action: %s", success.Action)
	}
	expectNoFrame(t, bobConn)
}

func TestNonOwnerCannotShare(t *testing.T) {
	env := newWSTestEnv(t)
	ada, _ := env.registerUser(t, "ada")
	bob, bobToken := env.registerUser(t, "bob")

	page, err := env.store.CreatePage(context.Background(), "Trading", ada.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if err := env.store.UpsertPermission(context.Background(), domain.PagePermission{
		PageID:  page.ID,
		Subject: domain.UserSubject(bob.ID),
		CanView: true,
		CanEdit: true,
	}); err != nil {
		t.Fatalf("upsert permission: %v", err)
	}

	bobConn := env.dial(t, bobToken)
	readInitialState(t, bobConn)

	writeFrame(t, bobConn, map[string]any{
		"type": "share_page",
		"payload": map[string]any{
			"page_id":      page.ID,
			"subject_type": "user",
			"subject_id":   bob.ID,
		},
	})
	if frame := readFrame(t, bobConn); frame.Type != "error" {
		t.Fatalf("expected error for non-owner share, got %s", frame.Type)
	}
}
