package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useDir(t *testing.T) string {
	t.Helper()
	dirMu.RLock()
	prev := dir
	dirMu.RUnlock()
	d := filepath.Join(t.TempDir(), "hub")
	require.NoError(t, SetDir(d))
	t.Cleanup(func() {
		dirMu.Lock()
		dir = prev
		dirMu.Unlock()
	})
	return d
}

func TestSetDirCreates(t *testing.T) {
	d := useDir(t)
	info, err := os.Stat(d)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, d, Dir())
}

func TestResolveLocalPath(t *testing.T) {
	useDir(t)
	path := filepath.Join(t.TempDir(), "local.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	got, err := NewFetcher().Resolve(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveURLCachesAndRefreshes(t *testing.T) {
	d := useDir(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), DriveURL: srv.URL + "/uc?id="}
	ctx := context.Background()

	got, err := f.Resolve(ctx, srv.URL+"/models/proj.ckpt", false)
	require.NoError(t, err)
	assert.Equal(t, d, filepath.Dir(got))
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	again, err := f.Resolve(ctx, srv.URL+"/models/proj.ckpt", false)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, int32(1), hits.Load())

	_, err = f.Resolve(ctx, srv.URL+"/models/proj.ckpt", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	_, err = f.Resolve(ctx, "1AbCdEfGhIjKlMnOpQrStUvWxYz0123", false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveErrors(t *testing.T) {
	useDir(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := &Fetcher{Client: srv.Client(), DriveURL: srv.URL}

	_, err := f.Resolve(context.Background(), "", false)
	assert.Error(t, err)
	_, err = f.Resolve(context.Background(), "not a thing", false)
	assert.Error(t, err)
	_, err = f.Resolve(context.Background(), srv.URL+"/missing.ckpt", false)
	assert.Error(t, err)
}
