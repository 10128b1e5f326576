package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/testutil"
)

// setupTestServer builds a started engine anchored at the test origin and
// a server without rate limiting. Rate limit behavior has its own tests.
func setupTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	e := testutil.StartEngine(t)
	return NewServer(e, 0), e
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func getPath(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandleScan(t *testing.T) {
	server, e := setupTestServer(t)
	mux := server.ServeMux()

	t.Run("user_created", func(t *testing.T) {
		w := postJSON(t, mux, "/api/v1/scan", testutil.UserAt(e, "user-1", 2, 2, time.Now().UTC()))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp submitResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if !resp.Accepted {
			t.Errorf("Expected accepted=true, got reason %q", resp.Reason)
		}
		if resp.EntityID != "user-1" {
			t.Errorf("Expected entity_id user-1, got %q", resp.EntityID)
		}
		if resp.Ack == nil || resp.Ack.Kind != engine.AckCreated {
			t.Errorf("Expected created ack, got %+v", resp.Ack)
		}
	})

	t.Run("tag_without_id_gets_uuid", func(t *testing.T) {
		lat, lon, alt := e.Frame().Unproject(geo.Point{X: 5, Y: 5})
		w := postJSON(t, mux, "/api/v1/scan", engine.Submission{
			Kind: engine.KindTag,
			Sample: geo.Sample{
				Latitude:            lat,
				Longitude:           lon,
				AltitudeM:           alt,
				HorizontalAccuracyM: 0.008,
				Timestamp:           time.Now().UTC(),
				Source:              geo.SourceLiDAR,
			},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp submitResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.EntityID == "" {
			t.Error("Expected a server-assigned entity_id for an id-less tag")
		}
	})

	t.Run("tag_coarse_sample_rejected", func(t *testing.T) {
		sub := testutil.UserAt(e, "", 1, 1, time.Now().UTC())
		sub.Kind = engine.KindTag
		w := postJSON(t, mux, "/api/v1/scan", sub)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("Expected status 400, got %d", w.Code)
		}
		var resp submitResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Accepted || resp.Reason == "" {
			t.Errorf("Expected rejection with reason, got %+v", resp)
		}
	})

	t.Run("invalid_latitude", func(t *testing.T) {
		sub := testutil.UserAt(e, "user-bad", 0, 0, time.Now().UTC())
		sub.Sample.Latitude = 91
		w := postJSON(t, mux, "/api/v1/scan", sub)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("malformed_body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", strings.NewReader("{not json"))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("GET_method_not_allowed", func(t *testing.T) {
		w := getPath(mux, "/api/v1/scan")
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})
}

func TestHandleLocation(t *testing.T) {
	server, e := setupTestServer(t)
	mux := server.ServeMux()

	base := time.Now().UTC()
	if _, err := e.Submit(testutil.UserAt(e, "walker", 0, 0, base)); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	testutil.WaitCounts(t, e, 1, 0)

	t.Run("advances_position", func(t *testing.T) {
		next := testutil.UserAt(e, "walker", 3, 0, base.Add(time.Second))
		w := postJSON(t, mux, "/api/v1/location", locationRequest{
			EntityID: "walker",
			Sample:   next.Sample,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp submitResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if !resp.Accepted {
			t.Errorf("Expected accepted=true, got reason %q", resp.Reason)
		}
	})

	t.Run("stale_sample_rejected", func(t *testing.T) {
		stale := testutil.UserAt(e, "walker", 1, 0, base.Add(-time.Second))
		w := postJSON(t, mux, "/api/v1/location", locationRequest{
			EntityID: "walker",
			Sample:   stale.Sample,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("unknown_entity", func(t *testing.T) {
		w := postJSON(t, mux, "/api/v1/location", locationRequest{
			EntityID: "nobody",
			Sample:   testutil.UserAt(e, "nobody", 0, 0, base).Sample,
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})
}

func TestHandleProximity(t *testing.T) {
	server, e := setupTestServer(t)
	mux := server.ServeMux()

	now := time.Now().UTC()
	if _, err := e.Submit(testutil.UserAt(e, "near", 3, 4, now)); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	testutil.WaitCounts(t, e, 1, 0)

	proximityURL := func(extra string) string {
		return fmt.Sprintf("/api/v1/proximity?lat=%f&lon=%f&radius=10%s", testutil.OriginLat, testutil.OriginLon, extra)
	}

	t.Run("finds_nearby_entity", func(t *testing.T) {
		w := getPath(mux, proximityURL(""))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp proximityResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(resp.Entities) != 1 {
			t.Fatalf("Expected 1 entity, got %d", len(resp.Entities))
		}
		m := resp.Entities[0]
		if m.Entity.ID != "near" {
			t.Errorf("Expected entity near, got %q", m.Entity.ID)
		}
		// (3, 4) offset puts it 5 m out
		if m.DistanceM < 4.9 || m.DistanceM > 5.1 {
			t.Errorf("Expected ~5m distance, got %v", m.DistanceM)
		}
	})

	t.Run("kind_filter_excludes", func(t *testing.T) {
		w := getPath(mux, proximityURL("&kinds=tag"))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"entities":[]`) {
			t.Errorf("Expected empty entities array, got %s", w.Body.String())
		}
	})

	t.Run("self_exclusion", func(t *testing.T) {
		w := getPath(mux, proximityURL("&exclude=near"))
		var resp proximityResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(resp.Entities) != 0 {
			t.Errorf("Expected 0 entities, got %d", len(resp.Entities))
		}
	})

	t.Run("missing_lat", func(t *testing.T) {
		w := getPath(mux, fmt.Sprintf("/api/v1/proximity?lon=%f&radius=10", testutil.OriginLon))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("radius_over_cap", func(t *testing.T) {
		w := getPath(mux, fmt.Sprintf("/api/v1/proximity?lat=%f&lon=%f&radius=60", testutil.OriginLat, testutil.OriginLon))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("bad_lidarOnly", func(t *testing.T) {
		w := getPath(mux, proximityURL("&lidarOnly=sometimes"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("unknown_kind_rejected", func(t *testing.T) {
		w := getPath(mux, proximityURL("&kinds=drone"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestHandleRemove(t *testing.T) {
	server, e := setupTestServer(t)
	mux := server.ServeMux()

	if _, err := e.Submit(testutil.UserAt(e, "leaver", 1, 1, time.Now().UTC())); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	testutil.WaitCounts(t, e, 1, 0)

	t.Run("removes_known_entity", func(t *testing.T) {
		w := postJSON(t, mux, "/api/v1/entity/remove", removeRequest{EntityID: "leaver"})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var resp removeResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if !resp.Removed {
			t.Error("Expected removed=true")
		}
	})

	t.Run("second_remove_is_idempotent", func(t *testing.T) {
		w := postJSON(t, mux, "/api/v1/entity/remove", removeRequest{EntityID: "leaver"})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var resp removeResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Removed {
			t.Error("Expected removed=false for an unknown entity")
		}
	})

	t.Run("missing_id", func(t *testing.T) {
		w := postJSON(t, mux, "/api/v1/entity/remove", removeRequest{})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestHandleStats(t *testing.T) {
	server, e := setupTestServer(t)
	mux := server.ServeMux()

	if _, err := e.Submit(testutil.UserAt(e, "counted", 1, 1, time.Now().UTC())); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	testutil.WaitCounts(t, e, 1, 0)
	if _, err := e.Query(t.Context(), engine.Query{
		Latitude: testutil.OriginLat, Longitude: testutil.OriginLon, RadiusM: 10,
	}); err != nil {
		t.Fatalf("seed query: %v", err)
	}

	w := getPath(mux, "/api/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp statsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Engine.Submitted < 1 {
		t.Errorf("Expected at least 1 submission, got %d", resp.Engine.Submitted)
	}
	if resp.Engine.Queries < 1 {
		t.Errorf("Expected at least 1 query, got %d", resp.Engine.Queries)
	}
	if resp.Users != 1 {
		t.Errorf("Expected 1 user, got %d", resp.Users)
	}
	if resp.UptimeSeconds <= 0 {
		t.Errorf("Expected positive uptime, got %v", resp.UptimeSeconds)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	server, _ := setupTestServer(t)
	mux := server.ServeMux()

	w := getPath(mux, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 from /healthz, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("Expected ok body, got %q", w.Body.String())
	}

	w = getPath(mux, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 from /metrics, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "proximity_index_cells") {
		t.Error("Expected proximity metrics in exposition")
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{engine.ErrInvalidData, http.StatusBadRequest},
		{engine.ErrPrecision, http.StatusBadRequest},
		{engine.ErrInvalidRadius, http.StatusBadRequest},
		{engine.ErrStaleSample, http.StatusBadRequest},
		{engine.ErrBackpressure, http.StatusServiceUnavailable},
		{engine.ErrStopped, http.StatusServiceUnavailable},
		{engine.ErrIndexCorruption, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", engine.ErrPrecision), http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Errorf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
