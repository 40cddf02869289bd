package scan

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// DefaultProber classifies an open port with the same lightweight checks
// the protocol handlers use for test_connection(), without ever
// constructing a full handler or attempting authentication: it only needs
// to know "something that looks like RTSP/ONVIF/HTTP answered here".
type DefaultProber struct {
	client *http.Client
}

// NewDefaultProber builds a prober sharing one short-lived HTTP client.
func NewDefaultProber() *DefaultProber {
	return &DefaultProber{client: &http.Client{}}
}

// Probe issues one classification probe against ip:port and reports the
// protocol it believes answered, if any.
func (p *DefaultProber) Probe(ctx context.Context, ip string, port int, timeout time.Duration) (model.Protocol, bool) {
	switch port {
	case 554, 5543:
		return model.ProtocolRTSP, p.probeRTSP(ctx, ip, port, timeout)
	case 80, 2020, 8080, 8000:
		if p.probeONVIF(ctx, ip, port, timeout) {
			return model.ProtocolONVIF, true
		}
		if p.probeHTTPCGI(ctx, ip, port, timeout) {
			return model.ProtocolVendorHTTP, true
		}
		return "", false
	default:
		return "", false
	}
}

// probeRTSP opens a TCP connection and issues a bare RTSP OPTIONS request,
// looking for the "RTSP/1.0" status line the protocol mandates on every
// response.
func (p *DefaultProber) probeRTSP(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	req := fmt.Sprintf("OPTIONS rtsp://%s:%d/ RTSP/1.0\r\nCSeq: 1\r\n\r\n", ip, port)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if err != nil || n < 9 {
		return false
	}
	return string(buf[:8]) == "RTSP/1.0"
}

// probeONVIF issues a bare GET against the well-known device-service
// path; any HTTP response (even a SOAP fault) confirms a service is
// listening there.
func (p *DefaultProber) probeONVIF(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	return p.httpReachable(ctx, fmt.Sprintf("http://%s:%d/onvif/device_service", ip, port), timeout)
}

// probeHTTPCGI checks for the Amcrest/Dahua magicBox identity endpoint.
func (p *DefaultProber) probeHTTPCGI(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	return p.httpReachable(ctx, fmt.Sprintf("http://%s:%d/cgi-bin/magicBox.cgi?action=getDeviceType", ip, port), timeout)
}

func (p *DefaultProber) httpReachable(ctx context.Context, url string, timeout time.Duration) bool {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	// Any status code, including 401 Unauthorized, confirms a service is
	// listening and speaking HTTP on this port; auth is not attempted here.
	return resp.StatusCode > 0
}
