package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ScanBox/config"
	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/services/dashboard"
	"github.com/BearBump/ScanBox/internal/services/receiving"
	"github.com/BearBump/ScanBox/internal/storage/memstore"
)

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func newTestService(st *memstore.Store) *receiving.Service {
	now := func() time.Time { return time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC) }
	eng := dashboard.New(st, nil, 0).WithClock(now)
	return receiving.New(st, eng, time.UTC).WithClock(now)
}

type flakyConsumer struct {
	calls atomic.Int32
}

func (c *flakyConsumer) Consume(ctx context.Context, _ func(ctx context.Context, key, value []byte) error) error {
	if c.calls.Add(1) == 1 {
		return errors.New("broker unavailable")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunScanAPI_SwaggerAndHealth(t *testing.T) {
	st := memstore.New()
	listening := make(chan string, 1)
	opts := scanAPIOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
		onListen:    func(addr string) { listening <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- runScanAPI(ctx, opts, newTestService(st), st.Ping, nil) }()

	var addr string
	select {
	case addr = <-listening:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for listener")
	}

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, body := get("/swagger.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Contains(t, body, `"swagger"`)

	resp, body = get("/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "ready")

	resp, _ = get("/api/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}
}

func TestRunScanAPI_MissingSwagger(t *testing.T) {
	st := memstore.New()
	err := runScanAPI(context.Background(), scanAPIOpts{httpAddr: "127.0.0.1:0"}, newTestService(st), nil, nil)
	require.Error(t, err)

	opts := scanAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: filepath.Join(t.TempDir(), "nope.json")}
	err = runScanAPI(context.Background(), opts, newTestService(st), nil, nil)
	require.ErrorContains(t, err, "swagger file not found")
}

func TestRouter_ReadyzReportsFailure(t *testing.T) {
	st := memstore.New()
	h := newRouter(scanAPIOpts{swaggerPath: writeSwagger(t)}, newTestService(st), func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestRouter_CORSPreflight(t *testing.T) {
	st := memstore.New()
	h := newRouter(scanAPIOpts{
		swaggerPath:    writeSwagger(t),
		allowedOrigins: []string{"http://balcao.local"},
	}, newTestService(st), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/scans", nil)
	req.Header.Set("Origin", "http://balcao.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "http://balcao.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAssignmentHandler(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newTestService(st)
	handle := assignmentHandler(svc)

	_, err := svc.ImportExpectedCodes(ctx, []string{"ABC123"}, false)
	require.NoError(t, err)
	_, err = svc.ScanCode(ctx, "ABC123")
	require.NoError(t, err)

	require.NoError(t, handle(ctx, []byte("ABC123"), []byte(`{"status":"pickup","carrier":"JADLOG"}`)))

	expected, err := st.ListExpected(ctx, nil)
	require.NoError(t, err)
	require.Len(t, expected, 1)
	require.Equal(t, models.StatusPickup, expected[0].Status)

	good, err := st.GetScanned(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, "JADLOG", good.CarrierLabel())

	d, err := svc.GetDashboard(ctx, svc.Today())
	require.NoError(t, err)
	require.EqualValues(t, 1, d.Pickup)
	require.EqualValues(t, 1, d.Carriers[models.CarrierJadlog])

	require.NoError(t, handle(ctx, nil, []byte(`{`)))
	require.NoError(t, handle(ctx, nil, []byte(`{"code":"ABC123"}`)))
	require.NoError(t, handle(ctx, []byte("NOPE1"), []byte(`{"status":"failed"}`)))
}

func TestAssignmentHandler_StorageFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newTestService(st)
	handle := assignmentHandler(svc)

	_, err := svc.ImportExpectedCodes(ctx, []string{"ABC123"}, false)
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = handle(cctx, nil, []byte(`{"code":"ABC123","status":"pickup"}`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunAssignmentConsumer_RestartsAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &flakyConsumer{}
	done := make(chan struct{})
	go func() {
		runAssignmentConsumer(ctx, scanAPIOpts{assignmentTopic: "goods.assignments"}, c, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.calls.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not stop")
	}
}

func TestResolveSettings(t *testing.T) {
	s, err := resolveSettings(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, ":8080", s.httpAddr)
	require.Equal(t, storagePostgres, s.storage)
	require.Equal(t, "America/Sao_Paulo", s.loc.String())
	require.Equal(t, models.UnmappedDrop, s.policy)
	require.Equal(t, "goods.scanned", s.scannedTopic)
	require.Equal(t, "goods.assignments", s.assignmentTopic)
	require.Equal(t, "scan-api", s.consumerGroup)
	require.Equal(t, 10*time.Minute, s.snapshotTTL)

	cfg := &config.Config{}
	cfg.App.Storage = "Memory"
	cfg.Dashboard.UnmappedCarrierPolicy = "bucket"
	s, err = resolveSettings(cfg)
	require.NoError(t, err)
	require.Equal(t, storageMemory, s.storage)
	require.Equal(t, models.UnmappedBucket, s.policy)

	cfg = &config.Config{}
	cfg.App.Storage = "sqlite"
	_, err = resolveSettings(cfg)
	require.Error(t, err)

	cfg = &config.Config{}
	cfg.App.Timezone = "Mars/Olympus"
	_, err = resolveSettings(cfg)
	require.Error(t, err)

	cfg = &config.Config{}
	cfg.Dashboard.UnmappedCarrierPolicy = "spread"
	_, err = resolveSettings(cfg)
	require.Error(t, err)
}
