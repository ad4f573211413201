package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gewegate/internal/registry"
)

func newTestHandler(t *testing.T, opts Options) (*Handler, *http.ServeMux) {
	t.Helper()
	reg := registry.NewMemory()
	if err := reg.Put(context.Background(), registry.Identity{
		AppID: "wx_a", Token: "tok", WebhookSecret: "sec",
	}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	h := NewHandler(reg, opts)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func postWebhook(mux *http.ServeMux, body string, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHandlePushPing(t *testing.T) {
	h, mux := newTestHandler(t, Options{QueueSize: 4})

	// The probe carries testMsg at the top level and no Appid at all.
	w := postWebhook(mux, `{"testMsg":"gewe http server is ok","token":"x"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("ping status = %d, want 200", w.Code)
	}
	select {
	case ev := <-h.Events():
		t.Errorf("probe enqueued %+v, want acknowledged only", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlePushUnknownBot(t *testing.T) {
	_, mux := newTestHandler(t, Options{QueueSize: 4})
	w := postWebhook(mux, `{"Appid":"stranger","TypeName":"AddMsg","Data":{"NewMsgId":1}}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown bot status = %d, want 401", w.Code)
	}
}

func TestHandlePushMalformedBody(t *testing.T) {
	_, mux := newTestHandler(t, Options{QueueSize: 4})
	w := postWebhook(mux, `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestHandlePushEnqueuesAndDedups(t *testing.T) {
	h, mux := newTestHandler(t, Options{QueueSize: 4})

	body := `{"Appid":"wx_a","TypeName":"AddMsg","Data":{"MsgType":1,"NewMsgId":555}}`
	if w := postWebhook(mux, body, nil); w.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200", w.Code)
	}

	select {
	case ev := <-h.Events():
		if ev.AppID != "wx_a" || ev.TypeName != "AddMsg" || ev.MsgID != 555 {
			t.Errorf("event = %+v, want wx_a/AddMsg/555", ev)
		}
		if ev.ID == "" {
			t.Error("event ID is empty, want a generated id")
		}
	case <-time.After(time.Second):
		t.Fatal("no event enqueued for first delivery")
	}

	// Redelivery: still 200, silently dropped.
	if w := postWebhook(mux, body, nil); w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", w.Code)
	}
	select {
	case ev := <-h.Events():
		t.Errorf("redelivery enqueued %+v, want dropped", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlePushNoMsgIDNeverDeduped(t *testing.T) {
	h, mux := newTestHandler(t, Options{QueueSize: 4})
	body := `{"Appid":"wx_a","TypeName":"ModContacts","Data":{"UserName":"x"}}`

	for i := 0; i < 2; i++ {
		if w := postWebhook(mux, body, nil); w.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d, want 200", i, w.Code)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-h.Events():
		case <-time.After(time.Second):
			t.Fatalf("event %d not enqueued, id-less pushes must not be deduped", i)
		}
	}
}

func TestHandlePushSignatureRequired(t *testing.T) {
	_, mux := newTestHandler(t, Options{QueueSize: 4, RequireSignature: true})
	body := `{"Appid":"wx_a","TypeName":"AddMsg","Data":{"MsgType":1,"NewMsgId":9}}`

	// No signature headers at all.
	if w := postWebhook(mux, body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned push status = %d, want 401", w.Code)
	}

	// Properly signed with the bot's webhook secret.
	ts := time.Now().Unix()
	h := http.Header{}
	h.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	h.Set(headerToken, "tok")
	h.Set(headerSign, Sign("sec", ts, []byte(body)))
	if w := postWebhook(mux, body, h); w.Code != http.StatusOK {
		t.Errorf("signed push status = %d, want 200; body %s", w.Code, w.Body.String())
	}
}

func TestHandlePushRateLimit(t *testing.T) {
	_, mux := newTestHandler(t, Options{QueueSize: 64, Rate: 1, Burst: 2})

	var got429 bool
	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"Appid":"wx_a","TypeName":"AddMsg","Data":{"MsgType":1,"NewMsgId":%d}}`, 1000+i)
		if w := postWebhook(mux, body, nil); w.Code == http.StatusTooManyRequests {
			got429 = true
		}
	}
	if !got429 {
		t.Error("burst of 5 pushes at rate 1/burst 2 never hit 429")
	}
}
