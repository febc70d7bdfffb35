package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/thaimozhi-2005/New-Daily/server"
	"github.com/thaimozhi-2005/New-Daily/testutil"
)

func TestHealthz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(server.NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["database"] != "connected" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(server.NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(server.NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["channels"]; !ok {
		t.Errorf("missing channels count: %v", body)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Errorf("missing uptime: %v", body)
	}
	// Schema version appears only when the versioned migration path was
	// used; when present it must be a positive number.
	if v, ok := body["schema_version"]; ok {
		if f, isNum := v.(float64); !isNum || f < 1 {
			t.Errorf("schema_version = %v", v)
		}
	}
}

func TestRootAndNotFound(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(server.NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "running" {
		t.Errorf("GET /: status %d body %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/no-such-path")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /no-such-path: status %d, want 404", resp.StatusCode)
	}
}

func TestCorrelationHeader(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(server.NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("response should carry a generated correlation id")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-ID", "my-corr-1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "my-corr-1" {
		t.Errorf("correlation id not echoed, got %q", got)
	}
}
