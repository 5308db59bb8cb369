package adminws

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fulcrum/messagebus/internal/codec"
	"fulcrum/messagebus/internal/cooldown"
	"fulcrum/messagebus/internal/messagebus"
	"fulcrum/messagebus/internal/transport/inprocess"
)

func makeToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

func newTestBus(t *testing.T, serverID string) *messagebus.Bus {
	t.Helper()
	reg := inprocess.NewRegistry()
	tp := inprocess.New(serverID, reg, nil)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return messagebus.New(serverID, codec.NewRegistry(), tp, nil)
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	bus := newTestBus(t, "A")
	cooldowns := cooldown.NewRegistry(nil, nil)
	t.Cleanup(func() { cooldowns.Close(context.Background()) })

	server, err := New(bus, cooldowns, "shared-secret", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestServeWSDeliversBroadcastEnvelope(t *testing.T) {
	bus := newTestBus(t, "A")
	cooldowns := cooldown.NewRegistry(nil, nil)
	t.Cleanup(func() { cooldowns.Close(context.Background()) })

	secret := "shared-secret"
	server, err := New(bus, cooldowns, secret, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	token := makeToken(t, secret, "operator-1", time.Now().Add(time.Minute))
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "?auth_token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := bus.Broadcast("alert.fired", map[string]string{"reason": "test"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Type != "envelope" {
			continue
		}
		if f.Envelope == nil || f.Envelope.Type != "alert.fired" {
			t.Fatalf("unexpected envelope frame: %+v", f)
		}
		return
	}
}
