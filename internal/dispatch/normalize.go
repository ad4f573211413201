package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/gewegate/internal/rules"
	"github.com/nextlevelbuilder/gewegate/internal/webhook"
)

// addMsg is the subset of the platform's AddMsg payload the gateway reads.
// Nested string fields arrive wrapped as {"string": "..."}.
type addMsg struct {
	MsgType      int64       `json:"MsgType"`
	FromUserName wrappedText `json:"FromUserName"`
	ToUserName   wrappedText `json:"ToUserName"`
	Content      wrappedText `json:"Content"`
	PushContent  string      `json:"PushContent"`
	MsgSource    string      `json:"MsgSource"`
}

type wrappedText struct {
	String string `json:"string"`
}

// normalize flattens a raw push into the context the rule engine consumes.
// Non-message pushes (contact updates, offline notices) normalize to kind
// "any" with no chat type, so only unrestricted instances can match them.
func normalize(ev webhook.Event) rules.MessageContext {
	mctx := rules.MessageContext{
		AppID:   ev.AppID,
		MsgKind: "any",
	}
	if ev.TypeName != "AddMsg" {
		return mctx
	}

	var msg addMsg
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return mctx
	}

	from := msg.FromUserName.String
	content := msg.Content.String
	group := strings.HasSuffix(from, "@chatroom")
	if group {
		mctx.ChatType = "group"
	} else {
		mctx.ChatType = "private"
	}

	mctx.MsgKind = msgKind(msg.MsgType, content)

	mctx.FromWxid = from
	if group {
		if sender := groupSender(content); sender != "" {
			mctx.FromWxid = sender
		}
		if msg.MsgType == 1 {
			content = stripSenderPrefix(content)
		}
		mctx.Mentioned = mentioned(msg.MsgSource, content, msg.ToUserName.String)
	}
	mctx.Content = content

	return mctx
}

// msgKind maps the platform's numeric MsgType to a rule kind. Type 49 is the
// appmsg envelope; its inner <type> distinguishes links from file notices.
func msgKind(msgType int64, content string) string {
	switch msgType {
	case 1:
		return "text"
	case 3:
		return "image"
	case 34:
		return "voice"
	case 43:
		return "video"
	case 47:
		return "emoji"
	case 49:
		switch appmsgType(content) {
		case 5:
			return "link"
		case 74:
			return "file_notice"
		}
	}
	return "any"
}

func appmsgType(xml string) int {
	start := strings.Index(xml, "<type>")
	if start < 0 {
		return 0
	}
	rest := xml[start+len("<type>"):]
	end := strings.Index(rest, "</type>")
	if end < 0 {
		return 0
	}
	var t int
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &t); err != nil {
		return 0
	}
	return t
}

// groupSender extracts the sender wxid from the "sender: content" prefix the
// platform prepends in group chats.
func groupSender(content string) string {
	trimmed := strings.TrimLeft(content, " \t")
	head, _, ok := strings.Cut(trimmed, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(head)
}

func stripSenderPrefix(raw string) string {
	if _, tail, ok := strings.Cut(raw, ":\n"); ok {
		return tail
	}
	if _, tail, ok := strings.Cut(raw, ":\r\n"); ok {
		return tail
	}
	return raw
}

// mentioned reports whether the bot was @-mentioned: either its wxid appears
// in the MsgSource atuserlist or in the message text itself.
func mentioned(msgSource, content, botWxid string) bool {
	if botWxid == "" {
		return false
	}
	if list := atUserList(msgSource); strings.Contains(list, botWxid) {
		return true
	}
	return strings.Contains(content, botWxid)
}

func atUserList(src string) string {
	start := strings.Index(src, "<atuserlist>")
	if start < 0 {
		return ""
	}
	tail := src[start+len("<atuserlist>"):]
	end := strings.Index(tail, "</atuserlist>")
	if end < 0 {
		return ""
	}
	return tail[:end]
}
