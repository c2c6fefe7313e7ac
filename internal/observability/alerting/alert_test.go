package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "OpenMCP-Pay/internal/errors"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToAllNotifiers(t *testing.T) {
	t.Parallel()

	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	recorder := &recordingNotifier{}
	dispatcher := NewFanout(recorder, &WebhookNotifier{URL: srv.URL, Client: srv.Client()}, LogNotifier{})

	err := xerrors.New(xerrors.CodeStorageFailure, "disk full", xerrors.WithMetadata("payment_id", "0xabc"))
	event := FromError("payment", "0xabc", err)
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(recorder.events) != 1 || recorder.events[0].EntityID != "0xabc" {
		t.Fatalf("unexpected recorded events: %+v", recorder.events)
	}
	if received.Code != xerrors.CodeStorageFailure || received.Metadata["payment_id"] != "0xabc" {
		t.Fatalf("unexpected webhook payload: %+v", received)
	}
	if received.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected severity %s", received.Severity)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	dispatcher := NewFanout(&recordingNotifier{err: boom})
	if err := dispatcher.Notify(context.Background(), Event{}); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
}
