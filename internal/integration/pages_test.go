package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"offline_cache_proxy/internal/clients"
)

func dialPage(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+h.app.ControlAddr()+"/v1/clients/ws", nil)
	if err != nil {
		t.Fatalf("dial page socket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first message of msgType, failing after timeout.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, timeout time.Duration) clients.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg clients.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestPageIsToldWhenFormsSync(t *testing.T) {
	h := startHarness(t, nil)
	conn := dialPage(t, h)

	hello := readUntil(t, conn, clients.TypeHello, 2*time.Second)
	if hello.Version != "shell-v2+external-v2" {
		t.Fatalf("expected the page to be controlled by the active version, got %q", hello.Version)
	}

	if code, body := h.control.Call(t, http.MethodPost, "/v1/forms", contactForm); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", code, body)
	}
	msg := readUntil(t, conn, clients.TypeFormSyncComplete, 3*time.Second)
	if msg.Tag != "form-sync" {
		t.Fatalf("unexpected tag %q", msg.Tag)
	}
	if len(h.site.Posts("/api/contact")) != 1 {
		t.Fatalf("expected the form to be delivered")
	}
}

func TestPageMessages(t *testing.T) {
	h := startHarness(t, nil)
	conn := dialPage(t, h)
	readUntil(t, conn, clients.TypeHello, 2*time.Second)

	if err := conn.WriteJSON(clients.Message{Type: "skip_waiting"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readUntil(t, conn, clients.TypeError, 2*time.Second)
	data, ok := reply.Data.(map[string]any)
	if !ok || data["for"] != clients.TypeSkipWaiting {
		t.Fatalf("expected an error for skip-waiting on an active version, got %+v", reply.Data)
	}

	if err := conn.WriteJSON(clients.Message{Type: clients.TypeSync, Tag: "newsletter"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply = readUntil(t, conn, clients.TypeError, 2*time.Second)
	data, ok = reply.Data.(map[string]any)
	if !ok || data["for"] != clients.TypeSync {
		t.Fatalf("expected an error for the unknown tag, got %+v", reply.Data)
	}
}
