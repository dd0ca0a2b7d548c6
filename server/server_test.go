package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/image"
	"github.com/codyaverett/wasm-container/layerfs"
	"github.com/codyaverett/wasm-container/network"
	"github.com/codyaverett/wasm-container/runtime"
	"github.com/codyaverett/wasm-container/sandbox"
)

func testServer(t *testing.T) (*httptest.Server, *image.Store) {
	t.Helper()
	log := zerolog.Nop()
	layers := layerfs.NewStore()
	images := image.NewStore(layers, log)
	net := network.NewManager(log)
	engine, err := sandbox.NewRuntime(context.Background(), log)
	if err != nil {
		t.Fatalf("engine setup failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	ctrl := runtime.NewController(log, images, layers, net, engine)
	ts := httptest.NewServer(New(log, ctrl, images, net, "test").Handler())
	t.Cleanup(ts.Close)
	return ts, images
}

func addTestImage(t *testing.T, images *image.Store, ref string) {
	t.Helper()
	layer := layerfs.NewLayer(map[string]*layerfs.Entry{
		"app.wasm": {Data: []byte("\x00asm\x01\x00\x00\x00"), Mode: 0o755},
	})
	_, err := images.Add(ref, api.Manifest{
		Entrypoint: []string{"/app.wasm"},
		ModulePath: "/app.wasm",
	}, []*layerfs.Layer{layer})
	if err != nil {
		t.Fatal(err)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestCreateInspectRemoveOverHTTP(t *testing.T) {
	ts, images := testServer(t)
	addTestImage(t, images, "web:1.0")

	resp := postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{Name: "svc", Image: "web:1.0"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[api.Container](t, resp)
	if created.State != api.StateCreated || created.Name != "svc" {
		t.Fatalf("unexpected record: %+v", created)
	}

	resp, err := http.Get(ts.URL + "/v1/containers/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := decode[api.Container](t, resp)
	if got.ID != created.ID {
		t.Fatalf("inspect mismatch: %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/containers/svc", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
}

func TestCreateErrorsMapToStatusCodes(t *testing.T) {
	ts, images := testServer(t)
	addTestImage(t, images, "web:1.0")

	// Missing image reference.
	resp := postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config status = %d", resp.StatusCode)
	}
	errBody := decode[api.ErrorResponse](t, resp)
	if errBody.Message == "" {
		t.Fatal("error response has no message")
	}

	// Unknown image.
	resp = postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{Image: "ghost"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown image status = %d", resp.StatusCode)
	}

	// Duplicate name.
	resp = postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{Name: "dup", Image: "web:1.0"})
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{Name: "dup", Image: "web:1.0"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate name status = %d", resp.StatusCode)
	}

	// Unknown container.
	resp, err := http.Get(ts.URL + "/v1/containers/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown container status = %d", resp.StatusCode)
	}
}

func TestListAllQuery(t *testing.T) {
	ts, images := testServer(t)
	addTestImage(t, images, "web:1.0")

	resp := postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{Image: "web:1.0"})
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/containers")
	if err != nil {
		t.Fatal(err)
	}
	if got := decode[[]api.ContainerSummary](t, resp); len(got) != 0 {
		t.Fatalf("default list shows %d created containers", len(got))
	}

	resp, err = http.Get(ts.URL + "/v1/containers?all=1")
	if err != nil {
		t.Fatal(err)
	}
	if got := decode[[]api.ContainerSummary](t, resp); len(got) != 1 {
		t.Fatalf("all list shows %d containers, want 1", len(got))
	}
}

func TestStopBadGraceRejected(t *testing.T) {
	ts, images := testServer(t)
	addTestImage(t, images, "web:1.0")
	resp := postJSON(t, ts.URL+"/v1/containers", api.ContainerConfig{Name: "x", Image: "web:1.0"})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/containers/x/stop?grace=banana", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad grace status = %d", resp.StatusCode)
	}
}

func TestImageEndpoints(t *testing.T) {
	ts, images := testServer(t)
	addTestImage(t, images, "web:1.0")

	resp, err := http.Get(ts.URL + "/v1/images")
	if err != nil {
		t.Fatal(err)
	}
	if got := decode[[]image.Image](t, resp); len(got) != 1 || got[0].Name != "web" {
		t.Fatalf("image list: %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/images?ref=web:1.0", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("image remove status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/images?ref=web:1.0", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("removing a removed image: status = %d", resp.StatusCode)
	}
}

func TestInfoAndMetrics(t *testing.T) {
	ts, images := testServer(t)
	addTestImage(t, images, "web:1.0")

	resp, err := http.Get(ts.URL + "/v1/info")
	if err != nil {
		t.Fatal(err)
	}
	info := decode[map[string]any](t, resp)
	if info["driver"] != "wazero" || info["version"] != "test" {
		t.Fatalf("info: %+v", info)
	}

	// A couple of requests so the counters move.
	for i := 0; i < 3; i++ {
		r, err := http.Get(ts.URL + "/v1/healthz")
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, r.Body)
		r.Body.Close()
	}

	resp, err = http.Get(ts.URL + "/v1/metrics")
	if err != nil {
		t.Fatal(err)
	}
	snap := decode[MetricsSnapshot](t, resp)
	total := int64(0)
	for _, n := range snap.Requests {
		total += n
	}
	if total < 3 {
		t.Fatalf("request counters did not move: %+v", snap.Requests)
	}
	if snap.Goroutines == 0 {
		t.Fatal("runtime stats missing from snapshot")
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/v1/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("healthz: %+v", body)
	}
}

func TestMetricsRecorder(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.Record("GET", "/v1/containers", 0)
	}
	snap := m.Snapshot()
	if snap.Requests["GET /v1/containers"] != 10 {
		t.Fatalf("count = %d", snap.Requests["GET /v1/containers"])
	}
	if _, ok := snap.Latency["GET /v1/containers"]; !ok {
		t.Fatal("latency percentiles missing")
	}
}
