package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
	"github.com/offline-cache/offline-cache/store"
)

var offlinePage = serializer.CachedResponse{
	Status: http.StatusServiceUnavailable,
	Header: http.Header{"Content-Type": []string{"text/html"}},
	Body:   []byte("<html>offline</html>"),
}

// testEngine builds an engine over an in-memory registry and the given
// origin handler. Closing the returned server simulates the network
// going down.
func testEngine(t *testing.T, handler http.Handler) (*Engine, *store.Registry, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	originURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	registry := store.NewRegistry(store.NewMemStore(), 1)
	engine := NewEngine(Config{
		Registry:    registry,
		OriginURL:   *originURL,
		OfflinePage: offlinePage,
	})
	return engine, registry, server
}

func getRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	r, err := http.NewRequest("GET", target, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNetworkFirstServesLiveAndFallsBackToCache(t *testing.T) {
	engine, _, server := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live"))
	}))
	req := getRequest(t, "/api/progress")

	outcome, err := engine.networkFirst(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Source != SourceNetwork || string(outcome.Response.Body) != "live" {
		t.Fatalf("Outcome %+v", outcome)
	}
	if !outcome.Stored {
		t.Fatal("Successful GET was not stored")
	}

	server.Close()

	outcome, err = engine.networkFirst(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Source != SourceCache || string(outcome.Response.Body) != "live" {
		t.Fatalf("Outcome after network down %+v", outcome)
	}
}

func TestNetworkFirstPropagatesWhenBothFail(t *testing.T) {
	engine, _, server := testEngine(t, http.NewServeMux())
	server.Close()

	_, err := engine.networkFirst(context.Background(), getRequest(t, "/api/progress"))
	if err == nil {
		t.Fatal("Expected a genuine failure, got none")
	}
}

func TestNetworkFirstNonGetPassesThrough(t *testing.T) {
	var sawMethod string
	engine, registry, _ := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
		w.Write([]byte("created"))
	}))
	req, _ := http.NewRequest("POST", "/api/sessions", nil)

	outcome, err := engine.networkFirst(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if sawMethod != "POST" || outcome.Stored {
		t.Fatalf("method=%s stored=%v", sawMethod, outcome.Stored)
	}
	if _, ok, _ := registry.GetRequest(store.PurposeRuntime, req); ok {
		t.Fatal("Non-GET response was persisted")
	}
}

func TestCacheFirstRoundTrip(t *testing.T) {
	var fetchCount int32
	engine, _, server := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetchCount, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	req := getRequest(t, "/icons/icon-192.png")

	first, err := engine.cacheFirst(context.Background(), req)
	if err != nil || first.Source != SourceNetwork {
		t.Fatalf("First outcome %+v err %v", first, err)
	}

	server.Close()

	second, err := engine.cacheFirst(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Source != SourceCache {
		t.Fatalf("Second outcome %+v", second)
	}
	if string(second.Response.Body) != string(first.Response.Body) {
		t.Fatal("Cached asset is not byte-identical")
	}
	if n := atomic.LoadInt32(&fetchCount); n != 1 {
		t.Fatalf("Origin fetched %d times", n)
	}
}

func TestCacheFirstColdCacheFailurePropagates(t *testing.T) {
	engine, _, server := testEngine(t, http.NewServeMux())
	server.Close()

	if _, err := engine.cacheFirst(context.Background(), getRequest(t, "/icons/icon.png")); err == nil {
		t.Fatal("Expected error for cold static asset with no network")
	}
}

func TestCourseHitServesWithoutWaitingOnRefresh(t *testing.T) {
	var fetchCount int32
	release := make(chan struct{})
	engine, registry, _ := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&fetchCount, 1) == 1 {
			w.Write([]byte("stale"))
			return
		}
		// refresh fetches block until released
		<-release
		w.Write([]byte("fresh"))
	}))
	req := getRequest(t, "/courses/42")

	// prime the course store
	if _, err := engine.cacheFirstWithRefresh(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	outcome, err := engine.cacheFirstWithRefresh(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Source != SourceCache {
		t.Fatalf("Outcome %+v", outcome)
	}
	// bounded by the cache read, not by the blocked refresh
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Cached course served after %s", elapsed)
	}
	close(release)

	// the refresh result lands for next time
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, ok, _ := registry.GetRequest(store.PurposeCourse, req)
		if ok && string(res.Body) == "fresh" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Refresh never overwrote the entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCourseColdCacheOfflineFallback(t *testing.T) {
	engine, _, server := testEngine(t, http.NewServeMux())
	server.Close()

	outcome, err := engine.cacheFirstWithRefresh(context.Background(), getRequest(t, "/courses/42"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Source != SourceOffline || string(outcome.Response.Body) != "<html>offline</html>" {
		t.Fatalf("Outcome %+v", outcome)
	}
}

func TestNavigationFallbackChain(t *testing.T) {
	engine, _, server := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("course page"))
	}))
	req := getRequest(t, "/course/42")
	nav := context.Background()

	// network down, nothing cached: offline fallback document
	server.Close()
	outcome, err := engine.navigationWithOffline(nav, req)
	if err != nil || outcome.Source != SourceOffline {
		t.Fatalf("Outcome %+v err %v", outcome, err)
	}

	// network back: live response, now cached
	restarted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("course page"))
	}))
	defer restarted.Close()
	restartedURL, _ := url.Parse(restarted.URL)
	engine.origin = *restartedURL
	outcome, err = engine.navigationWithOffline(nav, req)
	if err != nil || outcome.Source != SourceNetwork {
		t.Fatalf("Outcome %+v err %v", outcome, err)
	}

	// network down again: the cached navigation, not the offline page
	restarted.Close()
	outcome, err = engine.navigationWithOffline(nav, req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Source != SourceCache || string(outcome.Response.Body) != "course page" {
		t.Fatalf("Outcome %+v", outcome)
	}
}

func TestAbortIsANetworkFailure(t *testing.T) {
	engine, registry, _ := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		w.Write([]byte("too late"))
	}))
	req := getRequest(t, "/about")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := engine.navigationWithOffline(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Source != SourceOffline {
		t.Fatalf("Outcome %+v", outcome)
	}
	if _, ok, _ := registry.GetRequest(store.PurposeRuntime, req); ok {
		t.Fatal("Aborted fetch left a cache entry")
	}
}

func TestRedirectsAreNeverPersisted(t *testing.T) {
	engine, registry, _ := testEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusMovedPermanently)
	}))
	req := getRequest(t, "/api/old")

	outcome, err := engine.networkFirst(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Response.Status != http.StatusMovedPermanently || outcome.Stored {
		t.Fatalf("Outcome %+v", outcome)
	}
	if _, ok, _ := registry.GetRequest(store.PurposeRuntime, req); ok {
		t.Fatal("Redirect was persisted")
	}
}
