package protocol

import "fmt"

// Brand is a detected camera vendor used to pick a URL profile for the RTSP
// handler.
type Brand string

const (
	BrandDahua   Brand = "dahua"
	BrandTPLink  Brand = "tplink"
	BrandSteren  Brand = "steren"
	BrandGeneric Brand = "generic"
)

// urlProfile supplies the {main, sub, jpeg?} URL templates and default port
// for one brand.
type urlProfile struct {
	DefaultPort int
	Main        func(ip string, port, channel, sub int) string
	Sub         func(ip string, port, channel, sub int) string
	JPEG        func(ip string, port int) string
}

// urlProfiles is tried in the priority order Dahua, TPLink, Steren, Generic
// when the brand is not already known.
var brandPriority = []Brand{BrandDahua, BrandTPLink, BrandSteren, BrandGeneric}

var urlProfiles = map[Brand]urlProfile{
	BrandDahua: {
		DefaultPort: 554,
		Main: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:%d/cam/realmonitor?channel=%d&subtype=%d", ip, port, channel, 0)
		},
		Sub: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:%d/cam/realmonitor?channel=%d&subtype=%d", ip, port, channel, 1)
		},
	},
	BrandTPLink: {
		DefaultPort: 554,
		Main: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:%d/stream1", ip, port)
		},
		Sub: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:%d/stream2", ip, port)
		},
		JPEG: func(ip string, port int) string {
			return fmt.Sprintf("rtsp://%s:%d/stream8", ip, port)
		},
	},
	BrandSteren: {
		DefaultPort: 5543,
		Main: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:5543/live/channel0", ip)
		},
		Sub: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:5543/live/channel1", ip)
		},
	},
	BrandGeneric: {
		DefaultPort: 554,
		Main: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:%d/", ip, port)
		},
		Sub: func(ip string, port, channel, sub int) string {
			return fmt.Sprintf("rtsp://%s:%d/", ip, port)
		},
	},
}

// candidateURLs returns, in priority order, the (brand, main-url) pairs to
// try on connect when the camera's brand has not already been confirmed.
func candidateURLs(ip string, port, channel, sub int, knownBrand Brand) []struct {
	Brand Brand
	URL   string
} {
	order := brandPriority
	if knownBrand != "" {
		order = []Brand{knownBrand}
	}
	out := make([]struct {
		Brand Brand
		URL   string
	}, 0, len(order))
	for _, b := range order {
		p := urlProfiles[b]
		effPort := port
		if effPort == 0 {
			effPort = p.DefaultPort
		}
		out = append(out, struct {
			Brand Brand
			URL   string
		}{Brand: b, URL: p.Main(ip, effPort, channel, sub)})
	}
	return out
}
