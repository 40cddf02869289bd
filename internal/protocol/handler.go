// Package protocol implements the uniform camera-handler contract, backed
// by three vendor-specific drivers: ONVIF, RTSP, and Vendor-HTTP/CGI.
// Handlers are constructed via a small factory keyed on model.Protocol;
// callers hold the Handler interface, never a concrete driver.
package protocol

import (
	"context"
	"fmt"

	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// FrameSink receives raw frame bytes from a streaming handler. It MUST be
// non-blocking from the handler's point of view; a handler is free to drop
// a frame if the sink cannot keep up.
type FrameSink func(payload []byte, sequence uint64)

// Handler is the uniform contract every protocol backend implements.
type Handler interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	TestConnection(ctx context.Context) bool
	CaptureSnapshot(ctx context.Context) ([]byte, error)
	SetFrameSink(sink FrameSink)
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context)
	Capabilities() model.Capabilities
}

// PTZHandler is implemented by handlers that support pan/tilt/zoom
// control.
type PTZHandler interface {
	PTZControl(ctx context.Context, action string, speed int) error
	SetPreset(ctx context.Context, id int) error
	GotoPreset(ctx context.Context, id int) error
}

// New builds the Handler for camera's declared protocol.
func New(camera *model.Camera, protocol model.Protocol) (Handler, error) {
	switch protocol {
	case model.ProtocolONVIF:
		return NewONVIFHandler(camera), nil
	case model.ProtocolRTSP:
		return NewRTSPHandler(camera), nil
	case model.ProtocolVendorHTTP:
		return NewVendorHTTPHandler(camera), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}
