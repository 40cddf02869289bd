package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camorch/ipcam-orchestrator/internal/config"
	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/events"
	"github.com/camorch/ipcam-orchestrator/internal/model"
	"github.com/camorch/ipcam-orchestrator/internal/protocol"
)

// stubHandler is a scripted protocol driver shared by the core tests.
type stubHandler struct {
	snapshot []byte
	sink     protocol.FrameSink
}

func (s *stubHandler) Connect(ctx context.Context) error                 { return nil }
func (s *stubHandler) Disconnect(ctx context.Context)                    {}
func (s *stubHandler) TestConnection(ctx context.Context) bool           { return true }
func (s *stubHandler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	return s.snapshot, nil
}
func (s *stubHandler) SetFrameSink(sink protocol.FrameSink)     { s.sink = sink }
func (s *stubHandler) StartStreaming(ctx context.Context) error { return nil }
func (s *stubHandler) StopStreaming(ctx context.Context)        {}
func (s *stubHandler) Capabilities() model.Capabilities {
	return model.Capabilities{Protocols: []model.Protocol{model.ProtocolRTSP}}
}

func testCoreConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Load("")
	require.NoError(t, err)
	cfg.Persistence.DataRoot = t.TempDir()
	cfg.Connection.RetryFailedConnections = false
	cfg.Stream.MinEmitInterval = 0
	return cfg
}

// minimalJPEG is a JPEG skeleton whose SOF0 marker declares 320x240.
var minimalJPEG = []byte{
	0xff, 0xd8, // SOI
	0xff, 0xc0, 0x00, 0x0b, 0x08, 0x00, 0xf0, 0x01, 0x40, 0x01, 0x11, // SOF0, 240x320
	0xff, 0xd9, // EOI
}

func newStartedCore(t *testing.T) (*Core, *stubHandler) {
	t.Helper()
	c, err := New(testCoreConfig(t))
	require.NoError(t, err)

	h := &stubHandler{snapshot: minimalJPEG}
	c.Orchestrator.SetHandlerFactory(func(cam *model.Camera, _ model.Protocol) (protocol.Handler, error) {
		return h, nil
	})

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, h
}

func coreCamera(id string) *model.Camera {
	cam := model.NewCamera(id, "Generic", "test", id)
	cam.Connection = model.ConnectionConfig{
		IP: "192.168.1.172", Username: "admin", Password: "x",
		RTSPPort: 554, Timeout: 2 * time.Second, AuthScheme: model.AuthSchemeDigest,
	}
	cam.Capabilities.Protocols = []model.Protocol{model.ProtocolRTSP}
	return cam
}

func TestCore_StartAnnouncesCapabilities(t *testing.T) {
	c, err := New(testCoreConfig(t))
	require.NoError(t, err)

	sink := events.NewMockEventSink()
	require.NoError(t, c.Bus.Subscribe("t", []events.Topic{events.TopicPresenterReady}, sink.Record))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ready := sink.Filter(events.TopicPresenterReady)
	require.Len(t, ready, 1)
	caps, ok := ready[0].Data["capabilities"].([]string)
	require.True(t, ok)
	assert.Contains(t, caps, "start_camera_stream")
	assert.Contains(t, caps, "ptz_control")
}

func TestCore_StreamLifecycle(t *testing.T) {
	c, _ := newStartedCore(t)
	require.NoError(t, c.AddCamera(coreCamera("cam1")))

	require.NoError(t, c.StartCameraStream(context.Background(), "cam1"))
	assert.Equal(t, []string{"cam1"}, c.GetActiveStreams())

	m, err := c.GetStreamMetrics("cam1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.HealthScore, 0.0)
	assert.LessOrEqual(t, m.HealthScore, 100.0)

	require.NoError(t, c.StopCameraStream(context.Background(), "cam1"))
	assert.Empty(t, c.GetActiveStreams())
}

func TestCore_GetStreamMetricsWithoutStream(t *testing.T) {
	c, _ := newStartedCore(t)
	_, err := c.GetStreamMetrics("cam-none")
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	assert.Equal(t, errs.KindNotConnected, kind)
}

func TestCore_CaptureSnapshotWritesFileAndRow(t *testing.T) {
	c, _ := newStartedCore(t)
	require.NoError(t, c.AddCamera(coreCamera("cam1")))
	require.NoError(t, c.Orchestrator.ConnectCamera(context.Background(), "cam1", model.KindStream))

	data, path, err := c.CaptureSnapshot(context.Background(), "cam1")
	require.NoError(t, err)
	assert.Equal(t, minimalJPEG, data)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, minimalJPEG, onDisk)
	assert.Contains(t, path, filepath.Join("snapshots", "cam1"))

	loaded, err := c.Store.LoadCamera("cam1")
	require.NoError(t, err)
	// The snapshots row bumped the camera's persisted counter.
	assert.Equal(t, 1, loaded.Stats.SnapshotsCount)
}

func TestCore_CamerasSurviveRestart(t *testing.T) {
	cfg := testCoreConfig(t)

	c1, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c1.Start(context.Background()))
	require.NoError(t, c1.AddCamera(coreCamera("cam-persist")))
	c1.Stop()

	c2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c2.Start(context.Background()))
	defer c2.Stop()

	cam, ok := c2.Orchestrator.Camera("cam-persist")
	require.True(t, ok, "persisted cameras are re-registered on startup")
	assert.Equal(t, "192.168.1.172", cam.Connection.IP)
}

func TestCore_ScanAPIDelegation(t *testing.T) {
	c, _ := newStartedCore(t)

	id := c.StartScan(context.Background(), model.ScanRange{
		StartIP: "127.0.0.1", EndIP: "127.0.0.1", Ports: []int{1},
	}, []model.ScanMethod{model.MethodPortScan}, model.PriorityNormal, false)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		job, ok := c.ScanStatus(id)
		return ok && (job.State == model.ScanCompleted || job.State == model.ScanCancelled)
	}, 10*time.Second, 50*time.Millisecond)

	_, ok := c.ScanResults(id)
	assert.True(t, ok)
}

func TestCore_SetVendorPasswordEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	prevDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prevDir) })
	c, _ := newStartedCore(t)

	require.NoError(t, c.SetVendorPassword("amcrest", "hunter2"))

	raw, err := os.ReadFile(filepath.Join("config", "credentials.enc"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	assert.Equal(t, "hunter2", c.cfg.Vendors["amcrest"].Password)
}

func TestCore_SetVendorPasswordFailsClosedWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	prevDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prevDir) })
	cfg := testCoreConfig(t)
	cfg.Security.EncryptConfig = false
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	err = c.SetVendorPassword("amcrest", "hunter2")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join("config", "credentials.enc"))
	assert.True(t, os.IsNotExist(statErr), "no plaintext credential file may be written")
}

func TestJPEGResolution(t *testing.T) {
	assert.Equal(t, "320x240", jpegResolution(minimalJPEG))
	assert.Empty(t, jpegResolution([]byte("not a jpeg")))
	assert.Empty(t, jpegResolution(nil))
}
