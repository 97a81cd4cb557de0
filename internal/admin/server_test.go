package admin

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
)

func startAdmin(t *testing.T) (*Server, *metrics.PrometheusRecorder) {
	t.Helper()
	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	s := New(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, reg, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, rec
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	s, rec := startAdmin(t)
	rec.IncPollTick(metrics.ResultSuccess)

	code, body := get(t, "http://"+s.HTTPAddr().String()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `agriassist_poll_ticks_total{result="success"} 1`)
}

func TestHTTPHealth(t *testing.T) {
	s, _ := startAdmin(t)
	url := "http://" + s.HTTPAddr().String() + "/healthz"

	code, _ := get(t, url)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	s.SetServing(true)
	code, body := get(t, url)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestGRPCHealth(t *testing.T) {
	s, _ := startAdmin(t)
	conn, err := grpc.NewClient(s.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestDisabledListeners(t *testing.T) {
	s := New(Config{}, prom.NewRegistry(), nil)
	require.NoError(t, s.Start())
	assert.Nil(t, s.HTTPAddr())
	assert.Nil(t, s.GRPCAddr())
	require.NoError(t, s.Shutdown(context.Background()))
}
