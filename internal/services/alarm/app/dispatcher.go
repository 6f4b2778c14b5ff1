package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	apperrors "github.com/alarmdeck/alarmdeck/internal/platform/errors"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/authz"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage"
)

// dispatcher validates each inbound command against live permissions,
// commits the mutation, and hands the committed event to the broadcaster.
// Authorization always reads fresh state; nothing is cached across
// commands.
type dispatcher struct {
	store       storage.Store
	broadcaster *broadcaster
}

func newDispatcher(store storage.Store, broadcaster *broadcaster) *dispatcher {
	return &dispatcher{store: store, broadcaster: broadcaster}
}

// dispatch routes one inbound frame. Business failures become error frames
// on the initiating session; the connection stays open.
func (d *dispatcher) dispatch(ctx context.Context, sess *session, frame wsFrame) {
	switch frame.Type {
	case "create_alarm":
		d.handleCreateAlarm(ctx, sess, frame.Payload)
	case "update_alarm":
		d.handleUpdateAlarm(ctx, sess, frame.Payload)
	case "delete_alarm":
		d.handleDeleteAlarm(ctx, sess, frame.Payload)
	case "trigger_alarm":
		d.handleTriggerAlarm(ctx, sess, frame.Payload)
	case "create_page":
		d.handleCreatePage(ctx, sess, frame.Payload)
	case "share_page":
		d.handleSharePage(ctx, sess, frame.Payload)
	case "unshare_page":
		d.handleUnsharePage(ctx, sess, frame.Payload)
	default:
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "unknown message type: "+frame.Type))
	}
}

func (d *dispatcher) handleCreateAlarm(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload createAlarmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid create_alarm payload"))
		return
	}
	if strings.TrimSpace(payload.Ticker) == "" ||
		strings.TrimSpace(payload.Option) == "" ||
		strings.TrimSpace(payload.Condition) == "" {
		d.reply(sess, errorFrame(string(apperrors.CodeAlarmFieldsInvalid), "ticker, option and condition are required"))
		return
	}

	if _, verdict, err := d.resolvePage(ctx, sess.userID, payload.PageID); err != nil {
		d.replyError(sess, err)
		return
	} else if !verdict.Edit {
		d.reply(sess, errorFrame(string(apperrors.CodePermissionDenied), "permission denied: cannot edit this page"))
		return
	}

	alarm, err := d.store.CreateAlarm(ctx, domain.Alarm{
		PageID:       payload.PageID,
		Ticker:       payload.Ticker,
		Option:       payload.Option,
		Condition:    payload.Condition,
		StrategyID:   payload.StrategyID,
		StrategyName: payload.StrategyName,
		CreatedBy:    sess.userID,
		Active:       true,
	})
	if err != nil {
		d.replyError(sess, err)
		return
	}

	d.broadcaster.broadcastToPage(ctx, alarm.PageID,
		alarmUpdateFrame(alarm.ID, alarm.PageID, "created", toAlarmJSON(alarm)))
}

func (d *dispatcher) handleUpdateAlarm(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload updateAlarmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid update_alarm payload"))
		return
	}

	alarm, err := d.store.GetAlarm(ctx, payload.AlarmID)
	if err != nil {
		d.replyError(sess, err)
		return
	}
	if _, verdict, err := d.resolvePage(ctx, sess.userID, alarm.PageID); err != nil {
		d.replyError(sess, err)
		return
	} else if !verdict.Edit {
		d.reply(sess, errorFrame(string(apperrors.CodePermissionDenied), "permission denied: cannot edit this alarm"))
		return
	}

	updated, err := d.store.UpdateAlarm(ctx, payload.AlarmID, domain.AlarmPatch{
		Ticker:    payload.Ticker,
		Option:    payload.Option,
		Condition: payload.Condition,
		Active:    payload.Active,
	})
	if err != nil {
		d.replyError(sess, err)
		return
	}

	d.broadcaster.broadcastToPage(ctx, updated.PageID,
		alarmUpdateFrame(updated.ID, updated.PageID, "updated", toAlarmJSON(updated)))
}

func (d *dispatcher) handleDeleteAlarm(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload deleteAlarmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid delete_alarm payload"))
		return
	}

	alarm, err := d.store.GetAlarm(ctx, payload.AlarmID)
	if err != nil {
		d.replyError(sess, err)
		return
	}
	if _, verdict, err := d.resolvePage(ctx, sess.userID, alarm.PageID); err != nil {
		d.replyError(sess, err)
		return
	} else if !verdict.Edit {
		d.reply(sess, errorFrame(string(apperrors.CodePermissionDenied), "permission denied: cannot delete this alarm"))
		return
	}

	pageID, err := d.store.DeleteAlarm(ctx, payload.AlarmID)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	d.broadcaster.broadcastToPage(ctx, pageID,
		alarmUpdateFrame(payload.AlarmID, pageID, "deleted", deletedData{ID: payload.AlarmID, PageID: pageID}))
}

func (d *dispatcher) handleTriggerAlarm(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload triggerAlarmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid trigger_alarm payload"))
		return
	}

	alarm, err := d.store.GetAlarm(ctx, payload.AlarmID)
	if err != nil {
		d.replyError(sess, err)
		return
	}
	// Viewers may record triggers; the observing client need not be an
	// editor.
	if _, verdict, err := d.resolvePage(ctx, sess.userID, alarm.PageID); err != nil {
		d.replyError(sess, err)
		return
	} else if !verdict.View {
		d.reply(sess, errorFrame(string(apperrors.CodePermissionDenied), "permission denied: cannot access this alarm"))
		return
	}

	triggered, event, err := d.store.TriggerAlarm(ctx, payload.AlarmID, sess.userID, payload.Price)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	d.broadcaster.broadcastToPage(ctx, triggered.PageID,
		alarmUpdateFrame(triggered.ID, triggered.PageID, "triggered", triggeredData{
			alarmJSON:   toAlarmJSON(triggered),
			Price:       event.Price,
			TriggeredBy: sess.username,
			TriggeredAt: event.TriggeredAt.Format(time.RFC3339),
		}))
}

func (d *dispatcher) handleCreatePage(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload createPagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid create_page payload"))
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		d.reply(sess, errorFrame(string(apperrors.CodePageNameEmpty), "page name is required"))
		return
	}

	page, err := d.store.CreatePage(ctx, payload.Name, sess.userID)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	// No one else has access yet, so only the creator hears about it.
	d.reply(sess, successFrame("page_created", toPageJSON(page, sess.userID, true)))
}

func (d *dispatcher) handleSharePage(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload sharePagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid share_page payload"))
		return
	}

	subjectType, err := domain.ParseSubjectType(payload.SubjectType)
	if err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodeSubjectInvalid), err.Error()))
		return
	}
	subject := domain.Subject{Type: subjectType, ID: strings.TrimSpace(payload.SubjectID)}
	if err := subject.Validate(); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodeSubjectInvalid), err.Error()))
		return
	}

	page, verdict, err := d.resolvePage(ctx, sess.userID, payload.PageID)
	if err != nil {
		d.replyError(sess, err)
		return
	}
	if !verdict.Share {
		d.reply(sess, errorFrame(string(apperrors.CodeOwnerRequired), "permission denied: only owner can share"))
		return
	}

	canView := true
	if payload.CanView != nil {
		canView = *payload.CanView
	}

	before, err := d.store.UsersWithViewAccess(ctx, page.ID)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	if err := d.store.UpsertPermission(ctx, domain.PagePermission{
		PageID:  page.ID,
		Subject: subject,
		CanView: canView,
		CanEdit: payload.CanEdit,
	}); err != nil {
		d.replyError(sess, err)
		return
	}

	after, err := d.store.UsersWithViewAccess(ctx, page.ID)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	d.broadcaster.emitAccessDiff(ctx, page, before, after)
	d.reply(sess, successFrame("page_shared", map[string]any{
		"page_id":      page.ID,
		"subject_type": string(subject.Type),
		"subject_id":   subject.ID,
	}))
}

func (d *dispatcher) handleUnsharePage(ctx context.Context, sess *session, raw json.RawMessage) {
	var payload unsharePagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodePayloadInvalid), "invalid unshare_page payload"))
		return
	}

	subjectType, err := domain.ParseSubjectType(payload.SubjectType)
	if err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodeSubjectInvalid), err.Error()))
		return
	}
	subject := domain.Subject{Type: subjectType, ID: strings.TrimSpace(payload.SubjectID)}
	if err := subject.Validate(); err != nil {
		d.reply(sess, errorFrame(string(apperrors.CodeSubjectInvalid), err.Error()))
		return
	}

	page, verdict, err := d.resolvePage(ctx, sess.userID, payload.PageID)
	if err != nil {
		d.replyError(sess, err)
		return
	}
	if !verdict.Share {
		d.reply(sess, errorFrame(string(apperrors.CodeOwnerRequired), "permission denied: only owner can unshare"))
		return
	}

	before, err := d.store.UsersWithViewAccess(ctx, page.ID)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	if err := d.store.DeletePermission(ctx, page.ID, subject); err != nil {
		d.replyError(sess, err)
		return
	}

	after, err := d.store.UsersWithViewAccess(ctx, page.ID)
	if err != nil {
		d.replyError(sess, err)
		return
	}

	d.broadcaster.emitAccessDiff(ctx, page, before, after)
	d.reply(sess, successFrame("page_unshared", map[string]any{
		"page_id":      page.ID,
		"subject_type": string(subject.Type),
		"subject_id":   subject.ID,
	}))
}

// resolvePage loads the page and computes the caller's effective verdict
// from fresh reads.
func (d *dispatcher) resolvePage(ctx context.Context, userID string, pageID string) (domain.Page, authz.Permissions, error) {
	page, err := d.store.GetPage(ctx, pageID)
	if err != nil {
		return domain.Page{}, authz.Permissions{}, err
	}
	rows, err := d.store.ListPermissions(ctx, page.ID)
	if err != nil {
		return domain.Page{}, authz.Permissions{}, err
	}
	memberOf, err := d.store.ListGroupsOfUser(ctx, userID)
	if err != nil {
		return domain.Page{}, authz.Permissions{}, err
	}
	return page, authz.Resolve(page, userID, rows, memberOf), nil
}

func (d *dispatcher) reply(sess *session, frame wsFrame) {
	d.broadcaster.deliver(sess, frame)
}

func (d *dispatcher) replyError(sess *session, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d.reply(sess, errorFrame(string(apperrors.CodeNotFound), "not found"))
	case errors.Is(err, storage.ErrOwnerSubject):
		d.reply(sess, errorFrame(string(apperrors.CodeSubjectInvalid), "page owner cannot be a permission subject"))
	case errors.Is(err, storage.ErrInvalidSubject):
		d.reply(sess, errorFrame(string(apperrors.CodeSubjectInvalid), "permission subject does not exist"))
	case errors.Is(err, storage.ErrUsernameTaken):
		d.reply(sess, errorFrame(string(apperrors.CodeUsernameTaken), "username already taken"))
	case errors.Is(err, storage.ErrGroupNameTaken):
		d.reply(sess, errorFrame(string(apperrors.CodeGroupNameTaken), "group name already taken"))
	case errors.Is(err, storage.ErrAlreadyMember):
		d.reply(sess, errorFrame(string(apperrors.CodeAlreadyMember), "user is already a group member"))
	default:
		log.Printf("alarm: command failed for user=%q: %v", sess.userID, err)
		d.reply(sess, errorFrame(string(apperrors.CodeInternal), "internal error"))
	}
}
