package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, f *testFixture) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + f.api.AuthToken()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readTextMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		return msg
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	f := newTestFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}

func TestWebSocketSendsEnginesListOnConnect(t *testing.T) {
	f := newTestFixture(t)
	path := writeUODFile(t, "reactor.py")
	f.request(t, http.MethodPost, "/engines", engineLoadRequest{Path: path})

	conn := dialWS(t, f)

	msg := readTextMessage(t, conn)
	if msg.Type != "engines_list" {
		t.Fatalf("first message type = %q, want engines_list", msg.Type)
	}
	entries, ok := msg.Data.([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("engines list data = %+v, want one entry", msg.Data)
	}
}

func TestWebSocketAttachStreamsOutput(t *testing.T) {
	installFakeInterpreter(t, "echo streamed line\nsleep 30\n")

	f := newTestFixture(t)
	path := writeUODFile(t, "reactor.py")
	f.request(t, http.MethodPost, "/engines", engineLoadRequest{Path: path})
	f.request(t, http.MethodPost, "/engines/reactor/start", nil)

	conn := dialWS(t, f)

	// Consume the initial engines_list, then attach.
	readTextMessage(t, conn)
	if err := conn.WriteJSON(Message{Type: "attach", Data: "reactor"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var output []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		name, chunk, ok := DecodeBinaryFrame(payload)
		if !ok {
			t.Fatalf("undecodable binary frame: %v", payload)
		}
		if name != "reactor" {
			t.Fatalf("frame engine = %q, want reactor", name)
		}
		output = append(output, chunk...)
		if strings.Contains(string(output), "streamed line") {
			return
		}
	}
	t.Fatalf("streamed output = %q, want to contain streamed line", output)
}

func TestWebSocketAttachUnknownEngine(t *testing.T) {
	f := newTestFixture(t)
	conn := dialWS(t, f)

	readTextMessage(t, conn)
	if err := conn.WriteJSON(Message{Type: "attach", Data: "ghost"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	msg := readTextMessage(t, conn)
	if msg.Type != "error" {
		t.Fatalf("message type = %q, want error", msg.Type)
	}
}

func TestWebSocketDetach(t *testing.T) {
	installFakeInterpreter(t, "sleep 30\n")

	f := newTestFixture(t)
	path := writeUODFile(t, "reactor.py")
	f.request(t, http.MethodPost, "/engines", engineLoadRequest{Path: path})
	f.request(t, http.MethodPost, "/engines/reactor/start", nil)

	conn := dialWS(t, f)
	readTextMessage(t, conn)

	if err := conn.WriteJSON(Message{Type: "attach", Data: "reactor"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readTextMessage(t, conn); msg.Type != "attached" {
		t.Fatalf("message type = %q, want attached", msg.Type)
	}

	if err := conn.WriteJSON(Message{Type: "detach", Data: "reactor"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readTextMessage(t, conn); msg.Type != "detached" {
		t.Fatalf("message type = %q, want detached", msg.Type)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.manager.Get("reactor")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.Attached == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("engine still reports an attached client after detach")
}
