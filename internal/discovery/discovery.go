// Package discovery finds candidate cameras: local capture devices by
// index probing, and networked cameras by a bounded TCP sweep over the
// subnet followed by ONVIF introspection of responsive hosts.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/ts-fts/internal/capture"
	"github.com/technosupport/ts-fts/internal/config"
)

var (
	ErrDiscoveryTimeout = errors.New("discovery scan timed out")
	ErrBadSubnet        = errors.New("invalid subnet")
)

// Device is one discovery hit. Local devices carry Index; network devices
// carry Address and, after a successful probe, camera metadata.
type Device struct {
	Kind         config.SourceKind `json:"kind"`
	Index        int               `json:"index,omitempty"`
	Address      string            `json:"address,omitempty"`
	OpenPorts    []int             `json:"open_ports,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	StreamURL    string            `json:"stream_url,omitempty"`
	Probed       bool              `json:"probed"`
	Reachable    bool              `json:"reachable,omitempty"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
}

// Scanner runs discovery scans. It borrows the capture backend to test
// local device indices the same way the pipelines open them.
type Scanner struct {
	cfg     config.DiscoveryConfig
	backend capture.Backend
}

func NewScanner(cfg config.DiscoveryConfig, backend capture.Backend) *Scanner {
	return &Scanner{cfg: cfg, backend: backend}
}

// ScanLocal probes device indices 0..LocalIndices-1 and reports the ones
// that open. Index 0 is the builtin camera by convention; the rest are USB.
func (s *Scanner) ScanLocal(ctx context.Context) []Device {
	var out []Device
	for i := 0; i < s.cfg.LocalIndices; i++ {
		if ctx.Err() != nil {
			break
		}
		kind := config.SourceUSB
		if i == 0 {
			kind = config.SourceBuiltin
		}

		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		sess, err := s.backend.Open(probeCtx, capture.Source{
			Kind:   capture.Kind(kind),
			Device: i,
		})
		cancel()
		if err != nil {
			continue
		}
		sess.Close()
		out = append(out, Device{Kind: kind, Index: i})
	}
	return out
}

// ScanSubnet sweeps every host in the CIDR, dialing the configured ports
// with a short per-target timeout. Worker count is capped so a /16 does
// not open thousands of sockets at once. Hosts with at least one open
// port come back sorted by address.
func (s *Scanner) ScanSubnet(ctx context.Context, cidr string) ([]Device, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSubnet, err)
	}

	targets := make(chan string)
	go func() {
		defer close(targets)
		for ip := firstHost(ipnet); ipnet.Contains(ip); ip = nextIP(ip) {
			select {
			case targets <- ip.String():
			case <-ctx.Done():
				return
			}
		}
	}()

	workers := s.cfg.MaxWorkers
	if workers <= 0 {
		workers = 50
	}
	timeout := time.Duration(s.cfg.ProbeTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	var mu sync.Mutex
	found := make(map[string][]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dialer := net.Dialer{Timeout: timeout}
			for addr := range targets {
				for _, port := range s.cfg.Ports {
					if ctx.Err() != nil {
						return
					}
					conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, fmt.Sprint(port)))
					if err != nil {
						continue
					}
					conn.Close()
					mu.Lock()
					found[addr] = append(found[addr], port)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Partial results are still useful; report them with the error.
			return collect(found), ErrDiscoveryTimeout
		}
		return nil, err
	}
	return collect(found), nil
}

// Probe introspects a swept host over ONVIF, filling in metadata and the
// RTSP stream URL for the first media profile. A host that answers a port
// but speaks no ONVIF comes back with Probed false and no error.
func (s *Scanner) Probe(ctx context.Context, dev Device, username, password string) Device {
	xaddr := fmt.Sprintf("http://%s/onvif/device_service", dev.Address)
	cli, err := NewOnvifClient(xaddr, username, password)
	if err != nil {
		return dev
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info, err := cli.GetDeviceInformation(probeCtx)
	if err != nil {
		log.Printf("[Discovery] %s: no ONVIF response: %v", dev.Address, err)
		return dev
	}
	dev.Manufacturer = info.Manufacturer
	dev.Model = info.Model
	dev.Kind = config.SourceONVIF
	dev.Probed = true

	profiles, err := cli.GetProfiles(probeCtx)
	if err != nil || len(profiles) == 0 {
		return dev
	}
	uri, err := cli.GetStreamUri(probeCtx, profiles[0].Token)
	if err == nil {
		dev.StreamURL = stripCredentials(uri)
	}
	return dev
}

// Verify opens a brief capture session against the device's stream and
// reports the actual frame dimensions. Local devices verify by index,
// network devices need a StreamURL from a prior Probe.
func (s *Scanner) Verify(ctx context.Context, dev Device, username, password string) Device {
	src := capture.Source{
		Kind:     capture.Kind(dev.Kind),
		Device:   dev.Index,
		URL:      dev.StreamURL,
		Username: username,
		Password: password,
	}
	if dev.Address != "" && dev.StreamURL == "" {
		return dev
	}

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sess, err := s.backend.Open(openCtx, src)
	if err != nil {
		return dev
	}
	defer sess.Close()

	frame, err := sess.Read(time.Now().Add(5 * time.Second))
	if err != nil {
		return dev
	}
	img, err := frame.Image()
	if err != nil {
		return dev
	}
	b := img.Bounds()
	dev.Reachable = true
	dev.Width = b.Dx()
	dev.Height = b.Dy()
	return dev
}

// DefaultSubnet derives the /24 of the primary non-loopback IPv4
// interface, used when no subnet is configured.
func DefaultSubnet() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil {
			continue
		}
		return fmt.Sprintf("%d.%d.%d.0/24", ip[0], ip[1], ip[2]), nil
	}
	return "", fmt.Errorf("%w: no non-loopback IPv4 interface", ErrBadSubnet)
}

func collect(found map[string][]int) []Device {
	out := make([]Device, 0, len(found))
	for addr, ports := range found {
		sort.Ints(ports)
		out = append(out, Device{
			Kind:      config.SourceRTSP,
			Address:   addr,
			OpenPorts: ports,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// firstHost skips the network address of the block. /31 and /32 have no
// separate network address, so they start at the block itself.
func firstHost(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP.Mask(ipnet.Mask)
	if ones, bits := ipnet.Mask.Size(); ones >= bits-1 {
		return ip
	}
	return nextIP(ip)
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
