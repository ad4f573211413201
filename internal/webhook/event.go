// Package webhook is the inbound push surface: it authenticates platform
// pushes, filters redeliveries and connectivity probes, and feeds surviving
// events onto the bounded dispatch queue.
package webhook

import (
	"encoding/json"
	"time"
)

// Event is one accepted push, consumed exactly once by the dispatcher.
type Event struct {
	ID         string
	AppID      string
	TypeName   string
	Data       json.RawMessage
	MsgID      int64 // 0 when the payload carries no NewMsgId
	ReceivedAt time.Time
}

// push is the wire shape of an inbound webhook body.
type push struct {
	Appid    string          `json:"Appid"`
	TypeName string          `json:"TypeName"`
	Data     json.RawMessage `json:"Data"`
}

// isPing reports whether the document is the platform's connectivity probe.
// Probes carry a testMsg key at the top level of the request body and must be
// answered 200 without processing.
func isPing(doc json.RawMessage) bool {
	if len(doc) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	_, ok := fields["testMsg"]
	return ok
}

// extractNewMsgID pulls the platform-assigned message id used for dedup.
// The id lives at Data.NewMsgId for messages, or one level deeper at
// Data.Data.NewMsgId for some push shapes; the top level wins when both exist.
func extractNewMsgID(data json.RawMessage) (int64, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return 0, false
	}
	if id, ok := decodeMsgID(fields["NewMsgId"]); ok {
		return id, true
	}
	if nested, ok := fields["Data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			return decodeMsgID(inner["NewMsgId"])
		}
	}
	return 0, false
}

func decodeMsgID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}
