// Package scan implements the scan engine and its coordinator: concurrent
// ping/port/protocol sweeps over a ScanRange, a priority queue of pending
// ScanJobs, a persistent result cache, and incremental network analysis.
package scan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/events"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// Prober issues the lightweight protocol probes ProtocolDetect needs to
// classify an open port. It is the same shape as a protocol handler's
// test_connection(), narrowed to "does something answer on this port as
// this protocol" so the Scan Engine never has to construct a full Camera
// or Handler for a host it has not yet identified.
type Prober interface {
	Probe(ctx context.Context, ip string, port int, timeout time.Duration) (model.Protocol, bool)
}

// Config bundles one ScanJob run's tunables.
type Config struct {
	DefaultTimeout          time.Duration
	ProbeConcurrencyPerHost int
}

// Engine runs one ScanJob to completion. A fresh Engine is constructed per
// job; it holds no state shared across jobs.
type Engine struct {
	cfg        Config
	bus        *events.Bus
	prober     Prober
	discoverer Discoverer
	logger     *logging.Logger

	mu     sync.Mutex
	job    *model.ScanJob
	cancel context.CancelFunc
}

// NewEngine builds an Engine for job, ready to Run.
func NewEngine(job *model.ScanJob, cfg Config, prober Prober, bus *events.Bus) *Engine {
	if cfg.ProbeConcurrencyPerHost <= 0 {
		cfg.ProbeConcurrencyPerHost = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		bus:    bus,
		prober: prober,
		job:    job,
		logger: logging.GetComponentLogger("scan.engine"),
	}
}

// SetDiscoverer installs the multicast WS-Discovery implementation the
// ONVIFDiscovery method prefers over per-host unicast probing.
func (e *Engine) SetDiscoverer(d Discoverer) { e.discoverer = d }

// Cancel stops the engine: in-flight probes see the cancelled context and
// return early, and no new probes are spawned.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.job.State = model.ScanCancelled
}

// Run executes job's configured methods in order: PingSweep narrows the
// host set, PortScan narrows the open-port set per host, ProtocolDetect
// classifies open ports, ONVIFDiscovery supplements via WS-Discovery-style
// probing. Progress is reported after each of the first three stages.
func (e *Engine) Run(ctx context.Context) (*model.ScanJob, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.job.State = model.ScanRunning
	e.job.StartTime = time.Now()
	e.mu.Unlock()
	defer cancel()

	hosts, err := expandRange(e.job.Range)
	if err != nil {
		e.job.State = model.ScanCancelled
		return e.job, errs.Wrap(errs.KindValidation, "scan.expand_range", err)
	}

	methods := methodSet(e.job.Methods)
	total := len(hosts)
	if total == 0 {
		e.finish()
		return e.job, nil
	}

	results := make(map[string]*model.ScanResult, len(hosts))
	for _, h := range hosts {
		results[h] = &model.ScanResult{IP: h}
	}

	if methods[model.MethodPingSweep] {
		e.pingSweep(runCtx, hosts, results)
		e.reportProgress(0.25, len(hosts))
	}
	if runCtx.Err() != nil {
		return e.cancelledJob(results), nil
	}

	alive := aliveHosts(hosts, results, methods[model.MethodPingSweep])

	if methods[model.MethodPortScan] {
		e.portScan(runCtx, alive, results)
		e.reportProgress(0.5, e.candidateCount(results))
	}
	if runCtx.Err() != nil {
		return e.cancelledJob(results), nil
	}

	if methods[model.MethodProtocolDetect] && e.prober != nil {
		e.protocolDetect(runCtx, alive, results)
		e.reportProgress(0.75, e.candidateCount(results))
	}
	if runCtx.Err() != nil {
		return e.cancelledJob(results), nil
	}

	if methods[model.MethodONVIFDiscovery] {
		e.onvifDiscovery(runCtx, alive, results)
	}

	e.finalize(results)
	e.finish()
	return e.job, nil
}

func (e *Engine) cancelledJob(results map[string]*model.ScanResult) *model.ScanJob {
	e.finalize(results)
	e.mu.Lock()
	e.job.State = model.ScanCancelled
	e.job.EndTime = time.Now()
	e.mu.Unlock()
	return e.job
}

func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.State == model.ScanRunning {
		e.job.State = model.ScanCompleted
	}
	e.job.Progress = 1
	e.job.EndTime = time.Now()
}

func (e *Engine) finalize(results map[string]*model.ScanResult) {
	raw := make([]model.ScanResult, 0, len(results))
	for _, ip := range sortedKeys(results) {
		raw = append(raw, *results[ip])
	}
	var candidates []model.ScanResult
	for _, r := range raw {
		if r.IsCandidate {
			candidates = append(candidates, r)
		}
	}
	e.mu.Lock()
	e.job.RawResults = raw
	e.job.CameraResults = candidates
	e.mu.Unlock()
}

func (e *Engine) reportProgress(frac float64, found int) {
	e.mu.Lock()
	e.job.Progress = frac
	id := e.job.JobID
	e.mu.Unlock()
	if e.bus != nil {
		e.bus.Publish(events.TopicScanProgress, "", map[string]interface{}{
			"scan_id": id, "current": found, "message": fmt.Sprintf("%.0f%% complete", frac*100),
		})
	}
}

func (e *Engine) candidateCount(results map[string]*model.ScanResult) int {
	n := 0
	for _, r := range results {
		if r.IsCandidate {
			n++
		}
	}
	return n
}

// pingSweep probes TCP-connect reachability concurrently; unreachable
// hosts are dropped early from later stages. A raw ICMP ping needs
// elevated privileges the core cannot assume it has, so reachability is
// approximated with a TCP-connect attempt on the common camera ports.
func (e *Engine) pingSweep(ctx context.Context, hosts []string, results map[string]*model.ScanResult) {
	sem := semaphore.NewWeighted(int64(e.cfg.ProbeConcurrencyPerHost * 4))
	var wg sync.WaitGroup
	for _, h := range hosts {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer sem.Release(1)
			reachable := tcpProbe(ctx, ip, 80, e.cfg.DefaultTimeout) || tcpProbe(ctx, ip, 554, e.cfg.DefaultTimeout)
			if !reachable {
				e.mu.Lock()
				results[ip].Error = "unreachable"
				e.mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
}

// portScan probes the configured port set per reachable host; ordering is
// stable by (host, port) since hosts/ports are iterated in sorted order.
func (e *Engine) portScan(ctx context.Context, hosts []string, results map[string]*model.ScanResult) {
	ports := e.job.Range.Ports
	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)

	sem := semaphore.NewWeighted(int64(e.cfg.ProbeConcurrencyPerHost))
	var wg sync.WaitGroup
	for _, h := range hosts {
		for _, p := range sorted {
			if ctx.Err() != nil {
				wg.Wait()
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(ip string, port int) {
				defer wg.Done()
				defer sem.Release(1)
				if tcpProbe(ctx, ip, port, e.cfg.DefaultTimeout) {
					e.mu.Lock()
					results[ip].PortsOpen = append(results[ip].PortsOpen, port)
					e.mu.Unlock()
				}
			}(h, p)
		}
	}
	wg.Wait()
	for _, r := range results {
		sort.Ints(r.PortsOpen)
	}
}

// protocolDetect issues one lightweight protocol probe per open port found
// by PortScan; a host becomes a camera candidate once at least one probe
// succeeds.
func (e *Engine) protocolDetect(ctx context.Context, hosts []string, results map[string]*model.ScanResult) {
	sem := semaphore.NewWeighted(int64(e.cfg.ProbeConcurrencyPerHost))
	var wg sync.WaitGroup
	for _, h := range hosts {
		e.mu.Lock()
		ports := append([]int(nil), results[h].PortsOpen...)
		e.mu.Unlock()
		for _, p := range ports {
			if ctx.Err() != nil {
				wg.Wait()
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(ip string, port int) {
				defer wg.Done()
				defer sem.Release(1)
				proto, ok := e.prober.Probe(ctx, ip, port, e.cfg.DefaultTimeout)
				if !ok {
					return
				}
				e.mu.Lock()
				results[ip].Protocols = appendProtocol(results[ip].Protocols, proto)
				results[ip].IsCandidate = true
				e.mu.Unlock()
			}(h, p)
		}
	}
	wg.Wait()
}

// onvifDiscovery enumerates ONVIF endpoints: a WS-Discovery multicast
// probe first, then a TCP-connect probe on port 80 of every reachable host
// multicast missed, since multicast is often blocked across VLANs the
// orchestrator does not control. A host that accepts on port 80 is marked
// ONVIF without any request to the device service path.
func (e *Engine) onvifDiscovery(ctx context.Context, hosts []string, results map[string]*model.ScanResult) {
	if e.discoverer != nil {
		for _, ep := range e.discoverer.Discover(ctx, e.cfg.DefaultTimeout) {
			e.mu.Lock()
			if r, ok := results[ep.IP]; ok {
				r.Protocols = appendProtocol(r.Protocols, model.ProtocolONVIF)
				r.IsCandidate = true
			}
			e.mu.Unlock()
		}
	}
	for _, h := range hosts {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		r := results[h]
		alreadyONVIF := hasProtocol(r.Protocols, model.ProtocolONVIF)
		e.mu.Unlock()
		if alreadyONVIF {
			continue
		}
		if tcpProbe(ctx, h, 80, e.cfg.DefaultTimeout) {
			e.mu.Lock()
			r.Protocols = appendProtocol(r.Protocols, model.ProtocolONVIF)
			r.IsCandidate = true
			e.mu.Unlock()
		}
	}
}

func tcpProbe(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func appendProtocol(protos []model.Protocol, p model.Protocol) []model.Protocol {
	if hasProtocol(protos, p) {
		return protos
	}
	return append(protos, p)
}

func hasProtocol(protos []model.Protocol, p model.Protocol) bool {
	for _, x := range protos {
		if x == p {
			return true
		}
	}
	return false
}

func aliveHosts(hosts []string, results map[string]*model.ScanResult, pingRan bool) []string {
	if !pingRan {
		return hosts
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if results[h].Error == "" {
			out = append(out, h)
		}
	}
	return out
}

func sortedKeys(m map[string]*model.ScanResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func methodSet(methods []model.ScanMethod) map[model.ScanMethod]bool {
	out := make(map[model.ScanMethod]bool, len(methods))
	for _, m := range methods {
		out[m] = true
	}
	return out
}

// expandRange enumerates every IPv4 address between Range.StartIP and
// Range.EndIP inclusive. A CIDR form, if set, takes precedence.
func expandRange(r model.ScanRange) ([]string, error) {
	if r.CIDR != "" {
		return expandCIDR(r.CIDR)
	}
	start := net.ParseIP(r.StartIP).To4()
	end := net.ParseIP(r.EndIP).To4()
	if start == nil || end == nil {
		return nil, fmt.Errorf("invalid IPv4 range %s-%s", r.StartIP, r.EndIP)
	}
	startN := ipToUint32(start)
	endN := ipToUint32(end)
	if endN < startN {
		return nil, fmt.Errorf("end_ip %s precedes start_ip %s", r.EndIP, r.StartIP)
	}
	if endN-startN > 65535 {
		return nil, fmt.Errorf("range %s-%s exceeds the maximum sweep size", r.StartIP, r.EndIP)
	}
	hosts := make([]string, 0, endN-startN+1)
	for n := startN; n <= endN; n++ {
		hosts = append(hosts, uint32ToIP(n).String())
	}
	return hosts, nil
}

func expandCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %s: %w", cidr, err)
	}
	var hosts []string
	for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		hosts = append(hosts, ip.String())
	}
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1] // drop network and broadcast addresses
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
