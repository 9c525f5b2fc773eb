package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAdminHandler(t *testing.T) {
	store := setupTestStore(t)
	srv := New(store, ServerConfig{}, WithLogger(quietLogger()))
	ts := httptest.NewServer(srv.AdminHandler())
	defer ts.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "OK" {
		t.Errorf("/healthz = %d %q", code, body)
	}

	code, body := get("/stats")
	if code != http.StatusOK {
		t.Fatalf("/stats status %d", code)
	}
	var stats Stats
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Connections != 0 || stats.OnlineUsers != 0 {
		t.Errorf("unexpected stats on idle server: %+v", stats)
	}

	code, body = get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "lanchat_connected_clients") {
		t.Errorf("/metrics = %d, missing connected_clients gauge", code)
	}

	if code, _ := get("/nope"); code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", code)
	}
}
