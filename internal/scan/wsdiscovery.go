package scan

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	wsdiscovery "github.com/use-go/onvif/ws-discovery"

	"github.com/camorch/ipcam-orchestrator/internal/logging"
)

// Discoverer enumerates ONVIF endpoints reachable from this host.
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) []DiscoveredEndpoint
}

// DiscoveredEndpoint is one ONVIF device service URL surfaced by
// WS-Discovery, reduced to the host the scan engine cares about.
type DiscoveredEndpoint struct {
	IP     string
	XAddr  string
	Scopes []string
}

// WSDiscoverer performs a WS-Discovery multicast probe on the given
// network interface and parses ProbeMatch responses for device-service
// XAddrs. Interface name empty means every interface.
type WSDiscoverer struct {
	InterfaceName string
	logger        *logging.Logger
}

// NewWSDiscoverer builds a multicast discoverer bound to interfaceName.
func NewWSDiscoverer(interfaceName string) *WSDiscoverer {
	return &WSDiscoverer{
		InterfaceName: interfaceName,
		logger:        logging.GetComponentLogger("scan.wsdiscovery"),
	}
}

// Discover sends one NetworkVideoTransmitter probe and collects responses
// until the multicast listen window closes. Malformed responses are
// skipped, never fatal.
func (d *WSDiscoverer) Discover(ctx context.Context, timeout time.Duration) []DiscoveredEndpoint {
	responses, err := wsdiscovery.SendProbe(d.InterfaceName, nil,
		[]string{"dn:NetworkVideoTransmitter"},
		map[string]string{"dn": "http://www.onvif.org/ver10/network/wsdl"},
	)
	if err != nil {
		d.logger.WithError(err).Debug("ws-discovery probe failed")
		return nil
	}

	var out []DiscoveredEndpoint
	for _, resp := range responses {
		eps, err := parseProbeMatches(resp)
		if err != nil {
			d.logger.WithError(err).Debug("skipping malformed ws-discovery response")
			continue
		}
		out = append(out, eps...)
	}
	return out
}

// parseProbeMatches extracts every XAddrs URL (and its scopes) from one
// ProbeMatches SOAP envelope.
func parseProbeMatches(envelope string) ([]DiscoveredEndpoint, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(envelope); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}

	var out []DiscoveredEndpoint
	for _, match := range root.FindElements("//ProbeMatch") {
		xaddrsEl := match.FindElement("./XAddrs")
		if xaddrsEl == nil {
			continue
		}
		var scopes []string
		if scopesEl := match.FindElement("./Scopes"); scopesEl != nil {
			scopes = strings.Fields(scopesEl.Text())
		}
		for _, xaddr := range strings.Fields(xaddrsEl.Text()) {
			u, err := url.Parse(xaddr)
			if err != nil || u.Hostname() == "" {
				continue
			}
			out = append(out, DiscoveredEndpoint{
				IP:     u.Hostname(),
				XAddr:  xaddr,
				Scopes: scopes,
			})
		}
	}
	return out, nil
}
