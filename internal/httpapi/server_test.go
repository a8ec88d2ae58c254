package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"kdbusd/internal/conn"
	"kdbusd/internal/domain"
	"kdbusd/internal/names"
)

func setupTree(t *testing.T) *domain.Domain {
	t.Helper()
	root := domain.NewRoot(nil)
	b, err := root.MakeBus("system", 0, nil)
	if err != nil {
		t.Fatalf("MakeBus: %v", err)
	}
	if _, err := root.MakeDomain("tenant"); err != nil {
		t.Fatalf("MakeDomain: %v", err)
	}
	c, err := b.Hello(b.DefaultEndpoint().ID, 4096, 0, conn.Credentials{UID: 1000})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if _, err := b.Names.Acquire("org.example.svc", c.ID, names.AcquireFlags{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return root
}

func TestHealthAndDomainTree(t *testing.T) {
	root := setupTree(t)
	api := New(root)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Connections != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	domResp, err := http.Get(ts.URL + "/api/domains")
	if err != nil {
		t.Fatalf("GET /api/domains: %v", err)
	}
	defer domResp.Body.Close()
	var dom domainResponse
	if err := json.NewDecoder(domResp.Body).Decode(&dom); err != nil {
		t.Fatalf("decode domains: %v", err)
	}
	if dom.Name != "root" || len(dom.Buses) != 1 || dom.Buses[0] != "system" {
		t.Fatalf("unexpected domain payload: %#v", dom)
	}
	if len(dom.Subdomains) != 1 || dom.Subdomains[0] != "tenant" {
		t.Fatalf("expected sub-domain tenant, got %#v", dom.Subdomains)
	}
}

func TestNamesEndpoint(t *testing.T) {
	root := setupTree(t)
	api := New(root)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/buses/root/system/names")
	if err != nil {
		t.Fatalf("GET names: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var infos []nameInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode names: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "org.example.svc" || infos[0].Owner != 1 {
		t.Fatalf("unexpected names payload: %#v", infos)
	}
}

func TestUnknownObjectsReturn404(t *testing.T) {
	root := setupTree(t)
	api := New(root)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	for _, path := range []string{
		"/api/domains/nope",
		"/api/buses/root/nope/names",
		"/api/buses/nope/system/names",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}
