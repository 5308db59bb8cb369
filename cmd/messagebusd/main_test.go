package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"fulcrum/messagebus/internal/codec"
	"fulcrum/messagebus/internal/messagebus"
	"fulcrum/messagebus/internal/transport/inprocess"
)

func TestHealthzHandlerReportsConnected(t *testing.T) {
	reg := inprocess.NewRegistry()
	tp := inprocess.New("health-test", reg, nil)
	defer tp.Shutdown(context.Background())
	bus := messagebus.New("health-test", codec.NewRegistry(), tp, nil)
	defer bus.Shutdown(context.Background())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/healthz", nil)

	healthzHandler(bus)(recorder, request)

	if recorder.Code != 200 {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body := recorder.Body.String(); body != `{"status":"ok"}` {
		t.Fatalf("unexpected body: %q", body)
	}
}
