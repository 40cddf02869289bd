package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// digestServer is an httptest server that challenges every unauthenticated
// request with a Digest challenge and records each authorized request URI.
type digestServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	authedURIs []string
	snapshot   []byte
}

func newDigestServer(t *testing.T) *digestServer {
	t.Helper()
	ds := &digestServer{snapshot: []byte{0xff, 0xd8, 0xff, 0xd9}}
	ds.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Digest ") {
			w.Header().Set("WWW-Authenticate", `Digest realm="camera", nonce="4e4f4e4345", qop="auth", opaque="0000"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ds.mu.Lock()
		ds.authedURIs = append(ds.authedURIs, r.URL.RequestURI())
		ds.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/cgi-bin/snapshot.cgi"):
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(ds.snapshot)
		case strings.HasPrefix(r.URL.Path, "/cgi-bin/magicBox.cgi"):
			w.Write([]byte("type=IPC-HDW4431C-A"))
		default:
			w.Write([]byte("OK"))
		}
	}))
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *digestServer) uris() []string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]string, len(ds.authedURIs))
	copy(out, ds.authedURIs)
	return out
}

func (ds *digestServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(ds.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func vendorCamera(ip string, port int) *model.Camera {
	cam := model.NewCamera("cam-vendor", "Amcrest", "IP2M", "driveway")
	cam.Connection = model.ConnectionConfig{
		IP: ip, HTTPPort: port, Username: "admin", Password: "secret",
		Timeout: 2 * time.Second, AuthScheme: model.AuthSchemeDigest,
	}
	return cam
}

func connectedVendorHandler(t *testing.T, ds *digestServer) *VendorHTTPHandler {
	t.Helper()
	ip, port := ds.hostPort(t)
	h := NewVendorHTTPHandler(vendorCamera(ip, port))
	require.NoError(t, h.Connect(context.Background()))
	return h
}

func TestVendorHTTP_ConnectProbesMagicBox(t *testing.T) {
	ds := newDigestServer(t)
	h := connectedVendorHandler(t, ds)
	defer h.Disconnect(context.Background())

	uris := ds.uris()
	require.NotEmpty(t, uris)
	assert.Equal(t, "/cgi-bin/magicBox.cgi?action=getDeviceType", uris[0])
}

func TestVendorHTTP_ConnectWithoutCredentialsFails(t *testing.T) {
	ds := newDigestServer(t)
	ip, port := ds.hostPort(t)
	cam := vendorCamera(ip, port)
	cam.Connection.Username = ""

	h := NewVendorHTTPHandler(cam)
	err := h.Connect(context.Background())
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindAuth, kind)
}

func TestVendorHTTP_PTZControlExactQuery(t *testing.T) {
	ds := newDigestServer(t)
	h := connectedVendorHandler(t, ds)
	defer h.Disconnect(context.Background())

	require.NoError(t, h.PTZControl(context.Background(), "left", 4))

	uris := ds.uris()
	require.Len(t, uris, 2) // magicBox probe + ptz call
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=Left&channel=0&arg1=0&arg2=4&arg3=0", uris[1])
}

func TestVendorHTTP_PTZValidation(t *testing.T) {
	ds := newDigestServer(t)
	h := connectedVendorHandler(t, ds)
	defer h.Disconnect(context.Background())

	err := h.PTZControl(context.Background(), "sideways", 4)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	assert.Equal(t, errs.KindValidation, kind)

	err = h.PTZControl(context.Background(), "left", 9)
	require.Error(t, err)
	kind, _ = errs.KindOf(err)
	assert.Equal(t, errs.KindValidation, kind)

	assert.Len(t, ds.uris(), 1, "invalid ptz input must never reach the camera")
}

func TestVendorHTTP_PresetRoundTrip(t *testing.T) {
	ds := newDigestServer(t)
	h := connectedVendorHandler(t, ds)
	defer h.Disconnect(context.Background())

	require.NoError(t, h.SetPreset(context.Background(), 12))
	require.NoError(t, h.GotoPreset(context.Background(), 12))

	uris := ds.uris()
	require.Len(t, uris, 3)
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=SetPreset&channel=0&arg1=0&arg2=12&arg3=0", uris[1])
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=GotoPreset&channel=0&arg1=0&arg2=12&arg3=0", uris[2])

	assert.Error(t, h.SetPreset(context.Background(), 0))
	assert.Error(t, h.GotoPreset(context.Background(), 256))
}

func TestVendorHTTP_Snapshot(t *testing.T) {
	ds := newDigestServer(t)
	h := connectedVendorHandler(t, ds)
	defer h.Disconnect(context.Background())

	data, err := h.CaptureSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, data)
}

func TestVendorHTTP_SnapshotRequiresConnect(t *testing.T) {
	ds := newDigestServer(t)
	ip, port := ds.hostPort(t)
	h := NewVendorHTTPHandler(vendorCamera(ip, port))

	_, err := h.CaptureSnapshot(context.Background())
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	assert.Equal(t, errs.KindNotConnected, kind)
}

func TestVendorHTTP_TestConnectionLeavesNoState(t *testing.T) {
	ds := newDigestServer(t)
	ip, port := ds.hostPort(t)
	h := NewVendorHTTPHandler(vendorCamera(ip, port))

	assert.True(t, h.TestConnection(context.Background()))
	assert.False(t, h.isConnected(), "test_connection must not leave a persistent session")
}

func TestVendorHTTP_Capabilities(t *testing.T) {
	h := NewVendorHTTPHandler(vendorCamera("127.0.0.1", 80))
	caps := h.Capabilities()
	assert.True(t, caps.PTZ)
	assert.Equal(t, []model.Protocol{model.ProtocolVendorHTTP}, caps.Protocols)
}
