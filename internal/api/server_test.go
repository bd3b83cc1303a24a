package api

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

func TestServer_StartShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := New(&config.Config{Port: "0", Env: "test"}, logger.Nop(), mux)
	errc, err := srv.Start()
	require.NoError(t, err)
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	taken := New(&config.Config{Port: port}, logger.Nop(), mux)
	_, err = taken.Start()
	assert.Error(t, err, "port already bound")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err, open := <-errc:
		assert.NoError(t, err)
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("serve loop did not exit")
	}
}
