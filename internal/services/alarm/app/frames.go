package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
)

// Envelope shared by both directions. Payload stays raw until the type is
// known.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound command payloads.

type createAlarmPayload struct {
	PageID       string `json:"page_id"`
	Ticker       string `json:"ticker"`
	Option       string `json:"option"`
	Condition    string `json:"condition"`
	StrategyID   string `json:"strategy_id,omitempty"`
	StrategyName string `json:"strategy_name,omitempty"`
}

type updateAlarmPayload struct {
	AlarmID   string  `json:"alarm_id"`
	Ticker    *string `json:"ticker,omitempty"`
	Option    *string `json:"option,omitempty"`
	Condition *string `json:"condition,omitempty"`
	Active    *bool   `json:"active,omitempty"`
}

type deleteAlarmPayload struct {
	AlarmID string `json:"alarm_id"`
}

type triggerAlarmPayload struct {
	AlarmID string   `json:"alarm_id"`
	Price   *float64 `json:"price,omitempty"`
}

type createPagePayload struct {
	Name string `json:"name"`
}

type sharePagePayload struct {
	PageID      string `json:"page_id"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	CanView     *bool  `json:"can_view,omitempty"`
	CanEdit     bool   `json:"can_edit,omitempty"`
}

type unsharePagePayload struct {
	PageID      string `json:"page_id"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

// Outbound payloads.

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type pageJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	IsOwner bool   `json:"is_owner"`
	CanEdit bool   `json:"can_edit"`
}

type alarmJSON struct {
	ID            string  `json:"id"`
	PageID        string  `json:"page_id"`
	Ticker        string  `json:"ticker"`
	Option        string  `json:"option"`
	Condition     string  `json:"condition"`
	StrategyID    string  `json:"strategy_id,omitempty"`
	StrategyName  string  `json:"strategy_name,omitempty"`
	CreatedBy     string  `json:"created_by"`
	Active        bool    `json:"active"`
	CreatedAt     string  `json:"created_at"`
	LastTriggered *string `json:"last_triggered,omitempty"`
}

type initialStatePayload struct {
	User   userJSON    `json:"user"`
	Pages  []pageJSON  `json:"pages"`
	Alarms []alarmJSON `json:"alarms"`
}

type alarmUpdatePayload struct {
	AlarmID string `json:"alarm_id"`
	PageID  string `json:"page_id"`
	Action  string `json:"action"`
	Data    any    `json:"data"`
}

type triggeredData struct {
	alarmJSON
	Price       *float64 `json:"price"`
	TriggeredBy string   `json:"triggered_by"`
	TriggeredAt string   `json:"triggered_at"`
}

type deletedData struct {
	ID     string `json:"id"`
	PageID string `json:"page_id"`
}

type pageAccessGrantedPayload struct {
	Page   pageJSON    `json:"page"`
	Alarms []alarmJSON `json:"alarms"`
}

type pageAccessRevokedPayload struct {
	PageID string `json:"page_id"`
}

type successPayload struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

type errorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func toPageJSON(page domain.Page, viewerID string, canEdit bool) pageJSON {
	isOwner := page.OwnerID == viewerID
	return pageJSON{
		ID:      page.ID,
		Name:    page.Name,
		OwnerID: page.OwnerID,
		IsOwner: isOwner,
		CanEdit: canEdit || isOwner,
	}
}

func toAlarmJSON(alarm domain.Alarm) alarmJSON {
	out := alarmJSON{
		ID:           alarm.ID,
		PageID:       alarm.PageID,
		Ticker:       alarm.Ticker,
		Option:       alarm.Option,
		Condition:    alarm.Condition,
		StrategyID:   alarm.StrategyID,
		StrategyName: alarm.StrategyName,
		CreatedBy:    alarm.CreatedBy,
		Active:       alarm.Active,
		CreatedAt:    alarm.CreatedAt.Format(time.RFC3339),
	}
	if alarm.LastTriggered != nil {
		stamp := alarm.LastTriggered.Format(time.RFC3339)
		out.LastTriggered = &stamp
	}
	return out
}

func alarmUpdateFrame(alarmID string, pageID string, action string, data any) wsFrame {
	return wsFrame{
		Type: "alarm_update",
		Payload: mustJSON(alarmUpdatePayload{
			AlarmID: alarmID,
			PageID:  pageID,
			Action:  action,
			Data:    data,
		}),
	}
}

func successFrame(action string, data any) wsFrame {
	return wsFrame{
		Type:    "success",
		Payload: mustJSON(successPayload{Action: action, Data: data}),
	}
}

func errorFrame(code string, message string) wsFrame {
	return wsFrame{
		Type:    "error",
		Payload: mustJSON(errorPayload{Code: code, Message: message}),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
