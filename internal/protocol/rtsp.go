package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// rtspSession is the subset of gortsplib's client the handler drives.
// Isolating it behind an interface lets tests substitute a fake session
// instead of dialing a real camera.
type rtspSession interface {
	Dial(ctx context.Context, rawURL string) error
	ReadOneFrame(ctx context.Context) ([]byte, error)
	StartReading(onFrame func([]byte)) error
	Close()
}

// gortsplibSession wraps a real *gortsplib.Client.
type gortsplibSession struct {
	client *gortsplib.Client
	desc   *description.Session
	mu     sync.Mutex
}

func newGortsplibSession() *gortsplibSession {
	return &gortsplibSession{client: &gortsplib.Client{}}
}

func (s *gortsplibSession) Dial(ctx context.Context, rawURL string) error {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "rtsp.parse_url", err)
	}
	if err := s.client.Start(u.Scheme, u.Host); err != nil {
		return errs.Wrap(errs.KindUnreachable, "rtsp.start", err)
	}
	desc, _, err := s.client.Describe(u)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, "rtsp.describe", err)
	}
	if err := s.client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return errs.Wrap(errs.KindProtocol, "rtsp.setup", err)
	}
	s.desc = desc
	return nil
}

func (s *gortsplibSession) StartReading(onFrame func([]byte)) error {
	s.client.OnPacketRTPAny(func(medi *description.Media, _ format.Format, pkt *rtp.Packet) {
		if onFrame != nil {
			onFrame(pkt.Payload)
		}
	})
	if _, err := s.client.Play(nil); err != nil {
		return errs.Wrap(errs.KindProtocol, "rtsp.play", err)
	}
	return nil
}

func (s *gortsplibSession) ReadOneFrame(ctx context.Context) ([]byte, error) {
	received := make(chan []byte, 1)
	s.client.OnPacketRTPAny(func(medi *description.Media, _ format.Format, pkt *rtp.Packet) {
		select {
		case received <- pkt.Payload:
		default:
		}
	})
	if _, err := s.client.Play(nil); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "rtsp.play", err)
	}
	select {
	case data := <-received:
		return data, nil
	case <-ctx.Done():
		return nil, errs.New(errs.KindTimeout, "timed out reading first rtsp frame")
	}
}

func (s *gortsplibSession) Close() {
	s.client.Close()
}

// RTSPHandler drives one camera over RTSP, using the URL-profile table of
// urlprofiles.go to try brand-specific paths in priority order until one
// confirms with a readable frame.
type RTSPHandler struct {
	camera *model.Camera
	logger *logging.Logger

	sessionFactory func() rtspSession

	mu            sync.Mutex
	session       rtspSession
	activeURL     string
	brand         Brand
	sink          FrameSink
	streaming     bool
	consecFailures int32
	seq           uint64
}

// NewRTSPHandler constructs the handler for camera.
func NewRTSPHandler(camera *model.Camera) *RTSPHandler {
	return &RTSPHandler{
		camera:         camera,
		logger:         logging.GetComponentLogger("protocol.rtsp"),
		sessionFactory: func() rtspSession { return newGortsplibSession() },
	}
}

// Connect tries each brand-profile URL in priority order, opening a session
// and confirming with one frame read before caching it.
func (h *RTSPHandler) Connect(ctx context.Context) error {
	cfg := h.camera.Connection
	if cfg.AuthScheme != model.AuthSchemeNone && cfg.Username == "" {
		return errs.New(errs.KindAuth, "rtsp handler requires credentials for %s", h.camera.CameraID)
	}

	candidates := candidateURLs(cfg.IP, cfg.RTSPPort, h.camera.Stream.Channel, h.camera.Stream.SubStreamIndex, h.brand)

	var lastErr error
	for _, c := range candidates {
		sess := h.sessionFactory()
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := sess.Dial(dialCtx, c.URL)
		if err == nil {
			_, err = sess.ReadOneFrame(dialCtx)
		}
		cancel()
		if err != nil {
			lastErr = err
			sess.Close()
			continue
		}

		h.mu.Lock()
		h.session = sess
		h.activeURL = c.URL
		h.brand = c.Brand
		h.mu.Unlock()
		return nil
	}

	if lastErr == nil {
		lastErr = errs.New(errs.KindUnreachable, "no rtsp profile reached %s", cfg.IP)
	}
	return lastErr
}

// Disconnect closes the active session if any.
func (h *RTSPHandler) Disconnect(ctx context.Context) {
	h.mu.Lock()
	sess := h.session
	h.session = nil
	h.streaming = false
	h.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// TestConnection opens a short-lived session and confirms a frame is
// readable, without leaving a persistent session behind.
func (h *RTSPHandler) TestConnection(ctx context.Context) bool {
	cfg := h.camera.Connection
	sess := h.sessionFactory()
	defer sess.Close()

	testCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	url := h.activeURLOrDefault()
	if err := sess.Dial(testCtx, url); err != nil {
		return false
	}
	_, err := sess.ReadOneFrame(testCtx)
	return err == nil
}

func (h *RTSPHandler) activeURLOrDefault() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeURL != "" {
		return h.activeURL
	}
	cfg := h.camera.Connection
	cands := candidateURLs(cfg.IP, cfg.RTSPPort, h.camera.Stream.Channel, h.camera.Stream.SubStreamIndex, BrandGeneric)
	return cands[0].URL
}

// CaptureSnapshot is not natively supported by the RTSP handler for most
// vendors; callers should prefer the ONVIF or Vendor-HTTP handler for
// snapshots. TPLink exposes a JPEG-over-RTSP endpoint, used when available.
func (h *RTSPHandler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	connected := h.session != nil
	h.mu.Unlock()
	if !connected {
		return nil, errs.New(errs.KindNotConnected, "rtsp handler not connected for %s", h.camera.CameraID)
	}

	profile, ok := urlProfiles[h.brand]
	if !ok || profile.JPEG == nil {
		return nil, errs.New(errs.KindProtocol, "rtsp handler has no jpeg endpoint for brand %s", h.brand)
	}

	sess := h.sessionFactory()
	defer sess.Close()
	cfg := h.camera.Connection
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := sess.Dial(dialCtx, profile.JPEG(cfg.IP, cfg.RTSPPort)); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "rtsp.snapshot", err)
	}
	data, err := sess.ReadOneFrame(dialCtx)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "rtsp.snapshot", err)
	}
	return data, nil
}

// SetFrameSink sets the callback start_streaming() feeds.
func (h *RTSPHandler) SetFrameSink(sink FrameSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// StartStreaming begins the reader loop, feeding frames to the sink until
// stopped. Read failures are not counted and do not move the handler to
// an error state.
func (h *RTSPHandler) StartStreaming(ctx context.Context) error {
	h.mu.Lock()
	sess := h.session
	h.mu.Unlock()
	if sess == nil {
		return errs.New(errs.KindNotConnected, "rtsp handler not connected for %s", h.camera.CameraID)
	}

	h.mu.Lock()
	h.streaming = true
	h.mu.Unlock()

	err := sess.StartReading(func(payload []byte) {
		h.mu.Lock()
		sink := h.sink
		on := h.streaming
		h.mu.Unlock()
		if sink != nil && on {
			sink(payload, atomic.AddUint64(&h.seq, 1))
		}
	})
	if err != nil {
		h.mu.Lock()
		h.streaming = false
		h.mu.Unlock()
		return err
	}
	return nil
}

// StopStreaming stops frame production without tearing the session down.
func (h *RTSPHandler) StopStreaming(ctx context.Context) {
	h.mu.Lock()
	h.streaming = false
	h.mu.Unlock()
}

// Capabilities returns the static descriptor for RTSP cameras.
func (h *RTSPHandler) Capabilities() model.Capabilities {
	return model.Capabilities{
		Protocols: []model.Protocol{model.ProtocolRTSP},
		PTZ:       false,
		Audio:     true,
		Codecs:    []string{"h264", "h265"},
	}
}

// SwitchStreamQuality atomically tears down and re-establishes the capture
// against the sub/main profile, preserving the streaming flag.
func (h *RTSPHandler) SwitchStreamQuality(ctx context.Context, useSub bool) error {
	h.mu.Lock()
	wasStreaming := h.streaming
	cfg := h.camera.Connection
	brand := h.brand
	h.mu.Unlock()

	profile, ok := urlProfiles[brand]
	if !ok {
		profile = urlProfiles[BrandGeneric]
	}
	var newURL string
	if useSub {
		newURL = profile.Sub(cfg.IP, cfg.RTSPPort, h.camera.Stream.Channel, h.camera.Stream.SubStreamIndex)
	} else {
		newURL = profile.Main(cfg.IP, cfg.RTSPPort, h.camera.Stream.Channel, h.camera.Stream.SubStreamIndex)
	}

	h.Disconnect(ctx)

	sess := h.sessionFactory()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := sess.Dial(dialCtx, newURL); err != nil {
		return fmt.Errorf("switch stream quality: %w", err)
	}

	h.mu.Lock()
	h.session = sess
	h.activeURL = newURL
	h.mu.Unlock()

	if wasStreaming {
		return h.StartStreaming(ctx)
	}
	return nil
}

var _ Handler = (*RTSPHandler)(nil)
