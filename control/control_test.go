package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/offline-cache/offline-cache/lifecycle"
	"github.com/offline-cache/offline-cache/store"
	"github.com/offline-cache/offline-cache/strategy"
)

func activeRegistration(t *testing.T) *lifecycle.Registration {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)
	originURL, _ := url.Parse(server.URL)
	provider := store.NewMemStore()
	source := lifecycle.SourceFunc(func(ctx context.Context) (*lifecycle.Worker, error) {
		registry := store.NewRegistry(provider, 1)
		return lifecycle.NewWorker(lifecycle.WorkerConfig{
			Version:   1,
			Registry:  registry,
			Engine:    strategy.NewEngine(strategy.Config{Registry: registry, OriginURL: *originURL}),
			OriginURL: *originURL,
			Manifest:  []string{"/offline"},
		}), nil
	})
	reg := lifecycle.NewRegistration(source, nil)
	if err := reg.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestCacheCourseStoresPayloadVerbatim(t *testing.T) {
	reg := activeRegistration(t)
	payload := `{"title":"Algebra","lessons":[1,2,3]}`
	msg := Message{
		Type:       TypeCacheCourse,
		CourseID:   "42",
		CourseData: json.RawMessage(payload),
	}

	if err := Dispatch(context.Background(), msg, reg); err != nil {
		t.Fatal(err)
	}

	res, ok, err := reg.Active().Registry().GetURI(store.PurposeCourse, CourseKey("42"))
	if err != nil || !ok {
		t.Fatalf("Pushed course missing: ok=%v err=%v", ok, err)
	}
	if string(res.Body) != payload {
		t.Fatalf("Body is %s", res.Body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}

	// idempotent overwrite
	msg.CourseData = json.RawMessage(`{"title":"Algebra II"}`)
	if err := Dispatch(context.Background(), msg, reg); err != nil {
		t.Fatal(err)
	}
	res, _, _ = reg.Active().Registry().GetURI(store.PurposeCourse, CourseKey("42"))
	if string(res.Body) != `{"title":"Algebra II"}` {
		t.Fatalf("Body after overwrite is %s", res.Body)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	reg := activeRegistration(t)
	err := Dispatch(context.Background(), Message{Type: "REBOOT"}, reg)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Expected unknown-type error, got %v", err)
	}
}

func TestHandlerEndpoint(t *testing.T) {
	reg := activeRegistration(t)
	handler := Handler(reg, nil)

	body := `{"type":"CACHE_COURSE","courseId":"7","courseData":{"name":"Fractions"}}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/message", strings.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok, _ := reg.Active().Registry().GetURI(store.PurposeCourse, CourseKey("7")); !ok {
		t.Fatal("Pushed course missing after endpoint call")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/message", strings.NewReader("not json")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status %d for invalid body", rr.Code)
	}
}

func TestSkipWaitingMessage(t *testing.T) {
	reg := activeRegistration(t)
	// nothing waiting: a no-op, not an error
	if err := Dispatch(context.Background(), Message{Type: TypeSkipWaiting}, reg); err != nil {
		t.Fatal(err)
	}
	if reg.Active().Version() != 1 {
		t.Fatal("Active worker changed with nothing waiting")
	}
}
