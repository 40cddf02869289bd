package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScanRange is an IP interval plus a port set to sweep.
type ScanRange struct {
	StartIP string
	EndIP   string
	Ports   []int
	CIDR    string
}

// Fingerprint is the cache key for a ScanRange: (start_ip, end_ip,
// sorted(ports)). Port order does not change the key.
func (r ScanRange) Fingerprint() string {
	ports := append([]int(nil), r.Ports...)
	sort.Ints(ports)
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("%s-%s-[%s]", r.StartIP, r.EndIP, strings.Join(parts, ","))
}

// ScanResult is one host's outcome from a ScanJob: whether it answered and
// which protocols were detected on it.
type ScanResult struct {
	IP          string
	PortsOpen   []int
	Protocols   []Protocol
	IsCandidate bool
	Error       string
}

// ScanJob is one sweep of a ScanRange with a chosen set of methods.
type ScanJob struct {
	JobID     string
	Range     ScanRange
	Methods   []ScanMethod
	Priority  Priority
	State     ScanJobState
	Progress  float64
	StartTime time.Time
	EndTime   time.Time

	RawResults    []ScanResult
	CameraResults []ScanResult
}

// CamerasFound returns the number of candidate cameras discovered so far.
func (j *ScanJob) CamerasFound() int {
	return len(j.CameraResults)
}

// CachedScanResult is a completed scan's results keyed by its range
// fingerprint, expiring after ttl.
type CachedScanResult struct {
	ScanID       string
	Timestamp    time.Time
	Results      []ScanResult
	CamerasFound []ScanResult
	Duration     time.Duration
	TTL          time.Duration
}

// Expired reports whether now is past Timestamp+TTL.
func (c CachedScanResult) Expired(now time.Time) bool {
	return now.After(c.Timestamp.Add(c.TTL))
}

// NetworkAnalysis is the singleton, incrementally-updated summary of scan
// history.
type NetworkAnalysis struct {
	CommonNetworks      []string       // /24 CIDRs seen often
	FrequentPorts       []int          // top-K ports by count, descending
	ProtocolPercentages map[Protocol]float64
	LastAnalysis        time.Time
}
