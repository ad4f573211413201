package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/gewegate/internal/rules"
)

// simulate runs the rule engine against a synthetic message so operators can
// test a draft before publishing. Same evaluation path as live dispatch.
func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID     string `json:"app_id"`
		MsgKind   string `json:"msg_kind"`
		ChatType  string `json:"chat_type"`
		Content   string `json:"content"`
		FromWxid  string `json:"from_wxid"`
		Mentioned bool   `json:"mentioned"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.AppID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "app_id is required"})
		return
	}
	if req.MsgKind == "" {
		req.MsgKind = "text"
	}
	if req.ChatType == "" {
		req.ChatType = "private"
	}

	result, _, err := rules.Evaluate(h.store.Snapshot(), rules.MessageContext{
		AppID:     req.AppID,
		MsgKind:   req.MsgKind,
		ChatType:  req.ChatType,
		Content:   req.Content,
		FromWxid:  req.FromWxid,
		Mentioned: req.Mentioned,
	})
	if err != nil {
		if errors.Is(err, rules.ErrUnknownBot) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "app_id not present in configuration"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
