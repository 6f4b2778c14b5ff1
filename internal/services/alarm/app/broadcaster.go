package server

import (
	"context"
	"log"

	"github.com/alarmdeck/alarmdeck/internal/services/alarm/authz"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage"
)

// broadcaster fans out a committed event to exactly the sessions whose user
// may view the affected page. It never blocks on a slow peer: a full queue
// closes the session, and the client resyncs through a fresh initial_state
// on reconnect.
type broadcaster struct {
	store    storage.Store
	registry *registry
}

func newBroadcaster(store storage.Store, registry *registry) *broadcaster {
	return &broadcaster{store: store, registry: registry}
}

// broadcastToPage delivers a frame to the current view audience of the
// page. Invoked strictly after the mutating transaction committed, so for
// one page clients observe events in commit order.
func (b *broadcaster) broadcastToPage(ctx context.Context, pageID string, frame wsFrame) {
	audience, err := b.store.UsersWithViewAccess(ctx, pageID)
	if err != nil {
		log.Printf("alarm: resolve audience for page=%q: %v", pageID, err)
		return
	}
	b.sendToUsers(audience, frame)
}

// sendToUsers enqueues a frame on every session of every listed user.
func (b *broadcaster) sendToUsers(userIDs map[string]struct{}, frame wsFrame) {
	for _, sess := range b.registry.sessionsFor(userIDs) {
		b.deliver(sess, frame)
	}
}

// deliver enqueues one frame, closing and detaching the session on
// backpressure.
func (b *broadcaster) deliver(sess *session, frame wsFrame) {
	if sess.enqueue(frame) {
		return
	}
	if sess.closed() {
		b.registry.detach(sess)
		return
	}
	log.Printf("alarm: send queue full for user=%q, disconnecting session", sess.userID)
	_ = sess.enqueue(errorFrame("", "backpressure, disconnecting"))
	sess.close()
	b.registry.detach(sess)
}

// emitAccessDiff compares a page audience before and after a permission or
// membership change: newly added users get a full page snapshot, newly
// removed users get a revocation. An empty diff sends nothing.
func (b *broadcaster) emitAccessDiff(ctx context.Context, page domain.Page, before map[string]struct{}, after map[string]struct{}) {
	for userID := range after {
		if _, had := before[userID]; had {
			continue
		}
		frame, err := b.pageGrantedFrame(ctx, page, userID)
		if err != nil {
			log.Printf("alarm: build grant snapshot page=%q user=%q: %v", page.ID, userID, err)
			continue
		}
		b.sendToUsers(map[string]struct{}{userID: {}}, frame)
	}

	revokedFrame := wsFrame{
		Type:    "page_access_revoked",
		Payload: mustJSON(pageAccessRevokedPayload{PageID: page.ID}),
	}
	for userID := range before {
		if _, has := after[userID]; has {
			continue
		}
		b.sendToUsers(map[string]struct{}{userID: {}}, revokedFrame)
	}
}

// pageGrantedFrame builds the page_access_granted snapshot for one user:
// the page with that user's flags plus every current alarm on it.
func (b *broadcaster) pageGrantedFrame(ctx context.Context, page domain.Page, userID string) (wsFrame, error) {
	rows, err := b.store.ListPermissions(ctx, page.ID)
	if err != nil {
		return wsFrame{}, err
	}
	memberOf, err := b.store.ListGroupsOfUser(ctx, userID)
	if err != nil {
		return wsFrame{}, err
	}
	verdict := authz.Resolve(page, userID, rows, memberOf)

	alarms, err := b.store.ListAlarmsInPages(ctx, []string{page.ID})
	if err != nil {
		return wsFrame{}, err
	}
	alarmsJSON := make([]alarmJSON, 0, len(alarms))
	for _, alarm := range alarms {
		alarmsJSON = append(alarmsJSON, toAlarmJSON(alarm))
	}

	return wsFrame{
		Type: "page_access_granted",
		Payload: mustJSON(pageAccessGrantedPayload{
			Page:   toPageJSON(page, userID, verdict.Edit),
			Alarms: alarmsJSON,
		}),
	}, nil
}
