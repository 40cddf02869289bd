package protocol

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"

	dac "github.com/Mzack9999/go-http-digest-auth-client"
	"github.com/use-go/onvif"
	"github.com/use-go/onvif/device"
	"github.com/use-go/onvif/media"
	onvifxsd "github.com/use-go/onvif/xsd/onvif"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// onvifAltPort is the alternate ONVIF port some TP-Link models use instead
// of 80. There is no deterministic discriminator for those models, so the
// handler probes both ports and keeps whichever answers.
const onvifAltPort = 2020

// DeviceInformation mirrors the fields ONVIF's GetDeviceInformation
// response carries; cached on connect until disconnect.
type DeviceInformation struct {
	Manufacturer string
	Model        string
	FirmwareVer  string
	SerialNumber string
}

// ONVIFHandler drives one camera over ONVIF device/media services, using
// use-go/onvif for SOAP calls, and the digest-auth client
// for the resolved snapshot URI.
type ONVIFHandler struct {
	camera *model.Camera
	logger *logging.Logger

	mu          sync.Mutex
	dev         *onvif.Device
	info        DeviceInformation
	snapshotURI string
	streamURI   string
	sink        FrameSink
	connected   bool

	// newDevice is overridable for tests.
	newDevice func(ip string, port int, user, pass string) (*onvif.Device, error)
	httpClient *http.Client
}

// NewONVIFHandler constructs the handler for camera.
func NewONVIFHandler(camera *model.Camera) *ONVIFHandler {
	h := &ONVIFHandler{
		camera:     camera,
		logger:     logging.GetComponentLogger("protocol.onvif"),
		httpClient: &http.Client{Timeout: camera.Connection.Timeout},
	}
	h.newDevice = h.realNewDevice
	return h
}

func (h *ONVIFHandler) realNewDevice(ip string, port int, user, pass string) (*onvif.Device, error) {
	return onvif.NewDevice(onvif.DeviceParams{
		Xaddr:    fmt.Sprintf("%s:%d", ip, port),
		Username: user,
		Password: pass,
	})
}

// Connect creates the device/media services, fetches device info, and
// resolves the default profile's snapshot and stream URIs.
// It first probes the configured ONVIF port, then the alternate TP-Link
// port, before giving up.
func (h *ONVIFHandler) Connect(ctx context.Context) error {
	cfg := h.camera.Connection
	if cfg.AuthScheme != model.AuthSchemeNone && cfg.Username == "" {
		return errs.New(errs.KindAuth, "onvif handler requires credentials for %s", h.camera.CameraID)
	}

	ports := []int{cfg.ONVIFPort}
	if cfg.ONVIFPort != onvifAltPort {
		ports = append(ports, onvifAltPort)
	}

	var lastErr error
	for _, port := range ports {
		dev, err := h.newDevice(cfg.IP, port, cfg.Username, cfg.Password)
		if err != nil {
			lastErr = errs.Wrap(errs.KindUnreachable, "onvif.new_device", err)
			continue
		}

		info, err := h.fetchDeviceInfo(ctx, dev)
		if err != nil {
			lastErr = err
			continue
		}

		snapURI, streamURI, err := h.resolveDefaultProfile(ctx, dev)
		if err != nil {
			lastErr = err
			continue
		}

		h.mu.Lock()
		h.dev = dev
		h.info = info
		h.snapshotURI = snapURI
		h.streamURI = streamURI
		h.connected = true
		h.mu.Unlock()
		return nil
	}

	if lastErr == nil {
		lastErr = errs.New(errs.KindUnreachable, "onvif: no port reachable for %s", cfg.IP)
	}
	return lastErr
}

func (h *ONVIFHandler) fetchDeviceInfo(ctx context.Context, dev *onvif.Device) (DeviceInformation, error) {
	resp, err := dev.CallMethod(device.GetDeviceInformation{})
	if err != nil {
		return DeviceInformation{}, errs.Wrap(errs.KindProtocol, "onvif.get_device_information", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DeviceInformation{}, errs.Wrap(errs.KindProtocol, "onvif.get_device_information.read", err)
	}
	return parseDeviceInfo(body)
}

// parseDeviceInfo extracts manufacturer, model, firmware, and serial from
// a GetDeviceInformation SOAP envelope.
func parseDeviceInfo(body []byte) (DeviceInformation, error) {
	var env struct {
		Manufacturer    string `xml:"Body>GetDeviceInformationResponse>Manufacturer"`
		Model           string `xml:"Body>GetDeviceInformationResponse>Model"`
		FirmwareVersion string `xml:"Body>GetDeviceInformationResponse>FirmwareVersion"`
		SerialNumber    string `xml:"Body>GetDeviceInformationResponse>SerialNumber"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return DeviceInformation{}, errs.Wrap(errs.KindProtocol, "onvif.parse_device_info", err)
	}
	if env.Manufacturer == "" && env.Model == "" {
		return DeviceInformation{}, errs.New(errs.KindProtocol, "device information response carried no identity fields")
	}
	return DeviceInformation{
		Manufacturer: env.Manufacturer,
		Model:        env.Model,
		FirmwareVer:  env.FirmwareVersion,
		SerialNumber: env.SerialNumber,
	}, nil
}

// mediaProfile is one entry of a GetProfiles response.
type mediaProfile struct {
	Token string
	Name  string
}

// parseProfileTokens extracts every profile's token from a GetProfiles
// SOAP envelope, in document order.
func parseProfileTokens(body []byte) ([]mediaProfile, error) {
	var env struct {
		Profiles []struct {
			Token string `xml:"token,attr"`
			Name  string `xml:"Name"`
		} `xml:"Body>GetProfilesResponse>Profiles"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "onvif.parse_profiles", err)
	}
	out := make([]mediaProfile, 0, len(env.Profiles))
	for _, p := range env.Profiles {
		if p.Token == "" {
			continue
		}
		out = append(out, mediaProfile{Token: p.Token, Name: p.Name})
	}
	return out, nil
}

// parseSnapshotURI extracts MediaUri.Uri from a GetSnapshotUri envelope.
func parseSnapshotURI(body []byte) (string, error) {
	var env struct {
		URI string `xml:"Body>GetSnapshotUriResponse>MediaUri>Uri"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", errs.Wrap(errs.KindProtocol, "onvif.parse_snapshot_uri", err)
	}
	if env.URI == "" {
		return "", errs.New(errs.KindProtocol, "snapshot uri response carried no uri")
	}
	return env.URI, nil
}

// parseStreamURI extracts MediaUri.Uri from a GetStreamUri envelope.
func parseStreamURI(body []byte) (string, error) {
	var env struct {
		URI string `xml:"Body>GetStreamUriResponse>MediaUri>Uri"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", errs.Wrap(errs.KindProtocol, "onvif.parse_stream_uri", err)
	}
	if env.URI == "" {
		return "", errs.New(errs.KindProtocol, "stream uri response carried no uri")
	}
	return env.URI, nil
}

// resolveDefaultProfile enumerates media profiles, selects the profile
// matching the camera's configured channel (falling back to the first),
// and resolves that profile's snapshot URI and RTP-Unicast-over-RTSP
// stream URI from the media service's actual responses.
func (h *ONVIFHandler) resolveDefaultProfile(ctx context.Context, dev *onvif.Device) (snapshotURI, streamURI string, err error) {
	profilesResp, err := dev.CallMethod(media.GetProfiles{})
	if err != nil {
		return "", "", errs.Wrap(errs.KindProtocol, "onvif.get_profiles", err)
	}
	profilesBody, err := io.ReadAll(profilesResp.Body)
	profilesResp.Body.Close()
	if err != nil {
		return "", "", errs.Wrap(errs.KindProtocol, "onvif.get_profiles.read", err)
	}
	profiles, err := parseProfileTokens(profilesBody)
	if err != nil {
		return "", "", err
	}
	if len(profiles) == 0 {
		return "", "", errs.New(errs.KindProtocol, "camera %s reported no media profiles", h.camera.Connection.IP)
	}
	idx := h.camera.Stream.Channel
	if idx < 0 || idx >= len(profiles) {
		idx = 0
	}
	token := onvifxsd.ReferenceToken(profiles[idx].Token)

	snapResp, err := dev.CallMethod(media.GetSnapshotUri{ProfileToken: token})
	if err != nil {
		return "", "", errs.Wrap(errs.KindProtocol, "onvif.get_snapshot_uri", err)
	}
	snapBody, err := io.ReadAll(snapResp.Body)
	snapResp.Body.Close()
	if err != nil {
		return "", "", errs.Wrap(errs.KindProtocol, "onvif.get_snapshot_uri.read", err)
	}
	snapshotURI, err = parseSnapshotURI(snapBody)
	if err != nil {
		return "", "", err
	}

	streamResp, err := dev.CallMethod(media.GetStreamUri{
		ProfileToken: token,
		StreamSetup: onvifxsd.StreamSetup{
			Stream:    onvifxsd.StreamType("RTP-Unicast"),
			Transport: onvifxsd.Transport{Protocol: "RTSP"},
		},
	})
	if err != nil {
		return "", "", errs.Wrap(errs.KindProtocol, "onvif.get_stream_uri", err)
	}
	streamBody, err := io.ReadAll(streamResp.Body)
	streamResp.Body.Close()
	if err != nil {
		return "", "", errs.Wrap(errs.KindProtocol, "onvif.get_stream_uri.read", err)
	}
	streamURI, err = parseStreamURI(streamBody)
	if err != nil {
		return "", "", err
	}
	return snapshotURI, streamURI, nil
}

// DeviceInfo returns the identity fetched on connect.
func (h *ONVIFHandler) DeviceInfo() (DeviceInformation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info, h.connected
}

// Disconnect drops the cached device/session state.
func (h *ONVIFHandler) Disconnect(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dev = nil
	h.connected = false
}

// TestConnection re-resolves device info without keeping a session.
func (h *ONVIFHandler) TestConnection(ctx context.Context) bool {
	cfg := h.camera.Connection
	dev, err := h.newDevice(cfg.IP, cfg.ONVIFPort, cfg.Username, cfg.Password)
	if err != nil {
		return false
	}
	_, err = h.fetchDeviceInfo(ctx, dev)
	return err == nil
}

// CaptureSnapshot fetches the cached snapshot URI over HTTP-Digest.
func (h *ONVIFHandler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	uri := h.snapshotURI
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return nil, errs.New(errs.KindNotConnected, "onvif handler not connected for %s", h.camera.CameraID)
	}

	cfg := h.camera.Connection
	req := dac.NewRequest(cfg.Username, cfg.Password, http.MethodGet, uri, "")
	resp, err := req.Execute()
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "onvif.snapshot", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindProtocol, "onvif snapshot returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SetFrameSink sets the callback start_streaming() feeds.
func (h *ONVIFHandler) SetFrameSink(sink FrameSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// StartStreaming hands the resolved RTSP stream URI off to an embedded
// RTSP handler, since ONVIF's media service only resolves URLs; the media
// transport itself is RTSP.
func (h *ONVIFHandler) StartStreaming(ctx context.Context) error {
	h.mu.Lock()
	connected := h.connected
	streamURI := h.streamURI
	h.mu.Unlock()
	if !connected {
		return errs.New(errs.KindNotConnected, "onvif handler not connected for %s", h.camera.CameraID)
	}

	delegate := NewRTSPHandler(h.camera)
	sess := delegate.sessionFactory()
	dialCtx, cancel := context.WithTimeout(ctx, h.camera.Connection.Timeout)
	defer cancel()
	if err := sess.Dial(dialCtx, streamURI); err != nil {
		return errs.Wrap(errs.KindProtocol, "onvif.stream_dial", err)
	}

	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()

	seq := uint64(0)
	return sess.StartReading(func(payload []byte) {
		seq++
		if sink != nil {
			sink(payload, seq)
		}
	})
}

// StopStreaming is a no-op marker; the delegate RTSP session created by
// StartStreaming is torn down on Disconnect.
func (h *ONVIFHandler) StopStreaming(ctx context.Context) {}

// Capabilities returns the static descriptor for ONVIF cameras.
func (h *ONVIFHandler) Capabilities() model.Capabilities {
	return model.Capabilities{
		Protocols: []model.Protocol{model.ProtocolONVIF},
		PTZ:       true,
		Audio:     true,
		Codecs:    []string{"h264"},
	}
}

var _ Handler = (*ONVIFHandler)(nil)
