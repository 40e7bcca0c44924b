package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"
)

func TestAlertPostsSeverityTaggedMessage(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &got)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL, "123:abc", "42", time.Second)
	c.Alert(context.Background(), models.SeverityCritical, "reconciliation drift")

	if path != "/bot123:abc/sendMessage" {
		t.Errorf("Unexpected path %s", path)
	}
	if got["chat_id"] != "42" || !strings.HasPrefix(got["text"], "[CRITICAL] ") {
		t.Errorf("Unexpected payload %+v", got)
	}
}

func TestAlertWithoutCredentialsOnlyLogs(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := newClient(srv.URL, "", "", time.Second)
	c.Alert(context.Background(), models.SeverityWarn, "hello")
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("Expected no request, got %d", hits)
	}
	if err := c.Send(context.Background(), "x"); err == nil {
		t.Error("Expected Send to fail without credentials")
	}
}

func TestSendReportsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"ok":false}`)
	}))
	defer srv.Close()

	err := newClient(srv.URL, "t", "c", time.Second).Send(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Expected a 400 error, got %v", err)
	}
}
