// Package hostnames resolves remote addresses of logged connections to
// names. Answers observed on the wire rank above reverse lookups.
package hostnames

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"

	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/program"
)

// ErrNoName is returned when a lookup succeeds without a usable name.
var ErrNoName = errors.New("no name for address")

// Lookup performs a reverse lookup.
type Lookup interface {
	Reverse(ctx context.Context, addr netip.Addr) (string, error)
}

// DNSLookup sends PTR queries to a single server.
type DNSLookup struct {
	client *dns.Client
	server string
}

// NewDNSLookup creates a lookup against server (host:port). An empty
// server uses the first nameserver of /etc/resolv.conf.
func NewDNSLookup(server string, timeout time.Duration) (*DNSLookup, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no nameserver configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &DNSLookup{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}, nil
}

// Reverse returns the first PTR name of addr without the trailing dot.
func (l *DNSLookup) Reverse(ctx context.Context, addr netip.Addr) (string, error) {
	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", err
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	resp, _, err := l.client.ExchangeContext(ctx, m, l.server)
	if err != nil {
		return "", err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%w: %s", ErrNoName, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", ErrNoName
}

type cached struct {
	name   string
	source program.NameSource
}

// Options configures a Resolver.
type Options struct {
	Lookup    Lookup
	TTL       time.Duration
	Timeout   time.Duration
	Workers   int
	QueueSize int
	Logger    *logging.Logger
	Metrics   *metrics.Registry
}

type request struct {
	addr netip.Addr
}

// Resolver caches names and runs reverse lookups on a worker pool.
type Resolver struct {
	lookup  Lookup
	cache   *cache.Cache
	ttl     time.Duration
	timeout time.Duration
	workers int
	queue   chan request
	logger  *logging.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	waiting map[netip.Addr][]func(string, program.NameSource)
}

// New creates a resolver. Call Run to start the lookup workers.
func New(opts Options) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	return &Resolver{
		lookup:  opts.Lookup,
		cache:   cache.New(opts.TTL, 2*opts.TTL),
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		workers: opts.Workers,
		queue:   make(chan request, opts.QueueSize),
		logger:  opts.Logger.WithComponent("hostnames"),
		metrics: opts.Metrics,
		waiting: make(map[netip.Addr][]func(string, program.NameSource)),
	}
}

// Run serves lookups until ctx is done.
func (r *Resolver) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-r.queue:
					r.resolve(ctx, req.addr)
				}
			}
		}()
	}
	wg.Wait()
}

// Cached returns a known name without blocking.
func (r *Resolver) Cached(addr netip.Addr) (string, program.NameSource, bool) {
	v, ok := r.cache.Get(addr.Unmap().String())
	if !ok {
		return "", program.NameNone, false
	}
	c := v.(cached)
	return c.name, c.source, true
}

// Observe records a name seen in a DNS answer. It replaces a reverse
// lookup result for the same address but never the other way round.
func (r *Resolver) Observe(name string, addr netip.Addr, ttl time.Duration) {
	name = strings.TrimSuffix(name, ".")
	if name == "" || !addr.IsValid() {
		return
	}
	if ttl < r.ttl {
		ttl = r.ttl
	}
	r.cache.Set(addr.Unmap().String(), cached{name: name, source: program.NameObserved}, ttl)
}

// ResolveAsync queues a reverse lookup and calls done from a worker when
// it yields a name. Concurrent requests for one address share a lookup.
// Requests beyond the queue capacity are dropped.
func (r *Resolver) ResolveAsync(addr netip.Addr, done func(string, program.NameSource)) {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() {
		return
	}

	r.mu.Lock()
	waiters, inflight := r.waiting[addr]
	r.waiting[addr] = append(waiters, done)
	r.mu.Unlock()
	if inflight {
		return
	}

	select {
	case r.queue <- request{addr: addr}:
	default:
		r.mu.Lock()
		delete(r.waiting, addr)
		r.mu.Unlock()
		r.metrics.HostnameLookups.WithLabelValues(program.NameReverseDNS.String(), "dropped").Inc()
		r.logger.Debug("lookup queue full, skipping", "addr", addr)
	}
}

func (r *Resolver) resolve(ctx context.Context, addr netip.Addr) {
	name, src, ok := r.Cached(addr)
	if !ok && r.lookup != nil {
		lctx, cancel := context.WithTimeout(ctx, r.timeout)
		n, err := r.lookup.Reverse(lctx, addr)
		cancel()
		if err != nil {
			r.metrics.HostnameLookups.WithLabelValues(program.NameReverseDNS.String(), "error").Inc()
			r.logger.Debug("reverse lookup failed", "addr", addr, "error", err)
		} else if on, osrc, seen := r.Cached(addr); seen && osrc > program.NameReverseDNS {
			// observed while the lookup was in flight
			name, src, ok = on, osrc, true
		} else {
			name, src, ok = n, program.NameReverseDNS, true
			r.cache.Set(addr.String(), cached{name: name, source: src}, r.ttl)
			r.metrics.HostnameLookups.WithLabelValues(src.String(), "resolved").Inc()
		}
	}

	r.mu.Lock()
	waiters := r.waiting[addr]
	delete(r.waiting, addr)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, done := range waiters {
		done(name, src)
	}
}
