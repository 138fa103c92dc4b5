// Package audit turns kernel packet logs into firewall events.
//
// Rules written by the nftables store log through nflog with a prefix
// carrying their verdict and direction. The watcher decodes each logged
// packet, finds the owning process through the socket table and publishes
// a firewall.Event. Rule additions and removals are reported by a
// firewall.Monitor.
package audit

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/florianl/go-nflog/v2"

	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
)

// ErrNoHistory is returned by LoadLog when no history store is configured.
var ErrNoHistory = errors.New("audit history not available")

// Watcher produces firewall events and rule change notifications.
type Watcher interface {
	Start(ctx context.Context) error
	Stop()
	// Events is never closed.
	Events() <-chan firewall.Event
	RuleChanges() <-chan firewall.RuleChange
	// LoadLog returns up to limit past events newer than since, oldest
	// first.
	LoadLog(ctx context.Context, since time.Time, limit int) ([]firewall.Event, error)
}

// PIDLookup finds the process owning a socket.
type PIDLookup interface {
	Lookup(proto firewall.Protocol, local, remote netip.AddrPort) (int, bool)
}

// ProcessNames resolves a pid to its executable.
type ProcessNames interface {
	FileName(pid int) (string, bool)
}

// DNSObserver receives address records seen in DNS responses.
type DNSObserver interface {
	Observe(name string, addr netip.Addr, ttl time.Duration)
}

// History stores and replays events.
type History interface {
	AppendEvents(ctx context.Context, evs []firewall.Event) error
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]firewall.Event, error)
}

// RuleSource reports rule changes until its context ends.
type RuleSource interface {
	Run(ctx context.Context)
	Changes() <-chan firewall.RuleChange
}

// Options configures an NFLogWatcher.
type Options struct {
	Group     uint16
	PIDs      PIDLookup
	Processes ProcessNames
	DNS       DNSObserver
	History   History
	Rules     RuleSource
	// SystemPID is reported for packets no process owns.
	SystemPID int
	// BufferSize bounds the event channel; full channels drop events.
	BufferSize int
	// FlushInterval is how often history is written.
	FlushInterval time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Registry
}

// NFLogWatcher reads nflog messages for one log group.
type NFLogWatcher struct {
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Registry
	events  chan firewall.Event

	mu      sync.Mutex
	nf      *nflog.Nflog
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending []firewall.Event
	running bool
}

// NewNFLogWatcher creates a watcher. It does nothing until Start.
func NewNFLogWatcher(opts Options) *NFLogWatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	return &NFLogWatcher{
		opts:    opts,
		logger:  opts.Logger.WithComponent("audit"),
		metrics: opts.Metrics,
		events:  make(chan firewall.Event, opts.BufferSize),
	}
}

// Start opens the nflog group and begins publishing events.
func (w *NFLogWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	nf, err := nflog.Open(&nflog.Config{
		Group:       w.opts.Group,
		Copymode:    nflog.CopyPacket,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to open nflog group %d: %w", w.opts.Group, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	err = nf.RegisterWithErrorFunc(ctx,
		func(attrs nflog.Attribute) int {
			w.handleAttribute(attrs)
			return 0
		},
		func(err error) int {
			if ctx.Err() == nil {
				w.metrics.AuditLogErrors.Inc()
				w.logger.Warn("nflog receive error", "error", err)
			}
			return 0
		},
	)
	if err != nil {
		cancel()
		nf.Close()
		return fmt.Errorf("failed to register nflog callback: %w", err)
	}

	w.nf = nf
	w.cancel = cancel
	w.running = true
	w.startBackground(ctx)

	w.logger.Info("listening for logged packets", "group", w.opts.Group)
	return nil
}

func (w *NFLogWatcher) startBackground(ctx context.Context) {
	if w.opts.Rules != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.opts.Rules.Run(ctx)
		}()
	}
	if w.opts.History != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.flushLoop(ctx)
		}()
	}
}

// Stop closes the nflog socket, writes pending history and waits for the
// background goroutines.
func (w *NFLogWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	nf := w.nf
	w.nf = nil
	w.mu.Unlock()

	nf.Close()
	w.wg.Wait()
}

// Events returns the event channel.
func (w *NFLogWatcher) Events() <-chan firewall.Event {
	return w.events
}

// RuleChanges returns the rule monitor's channel, or nil without one.
func (w *NFLogWatcher) RuleChanges() <-chan firewall.RuleChange {
	if w.opts.Rules == nil {
		return nil
	}
	return w.opts.Rules.Changes()
}

// LoadLog flushes pending history and reads it back.
func (w *NFLogWatcher) LoadLog(ctx context.Context, since time.Time, limit int) ([]firewall.Event, error) {
	if w.opts.History == nil {
		return nil, ErrNoHistory
	}
	w.flush(ctx)
	evs, err := w.opts.History.RecentEvents(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit history: %w", err)
	}
	return evs, nil
}

func (w *NFLogWatcher) handleAttribute(attrs nflog.Attribute) {
	var prefix string
	if attrs.Prefix != nil {
		prefix = *attrs.Prefix
	}
	ts := clock.Now()
	if attrs.Timestamp != nil {
		ts = *attrs.Timestamp
	}
	var payload []byte
	if attrs.Payload != nil {
		payload = *attrs.Payload
	}
	w.handlePacket(prefix, payload, ts)
}

// handlePacket converts one logged packet and publishes it.
func (w *NFLogWatcher) handlePacket(prefix string, payload []byte, ts time.Time) {
	action, dir, ok := firewall.ParseLogPrefix(prefix)
	if !ok {
		w.metrics.AuditPackets.WithLabelValues("foreign").Inc()
		return
	}
	info, err := decodePacket(payload)
	if err != nil {
		w.metrics.AuditPackets.WithLabelValues("malformed").Inc()
		return
	}
	if w.opts.DNS != nil {
		for _, a := range info.Answers {
			w.opts.DNS.Observe(a.Name, a.Addr, a.TTL)
		}
	}

	ev := toEvent(info, action, dir, ts)
	w.attribute(&ev)

	select {
	case w.events <- ev:
		w.metrics.AuditPackets.WithLabelValues("event").Inc()
	default:
		w.metrics.AuditPackets.WithLabelValues("dropped").Inc()
		w.logger.Debug("event channel full, dropping event", "remote", ev.Remote().String())
		return
	}

	if w.opts.History != nil {
		w.mu.Lock()
		w.pending = append(w.pending, ev)
		w.mu.Unlock()
	}
}

// attribute fills in the owning process. Packets without one are credited
// to the system.
func (w *NFLogWatcher) attribute(ev *firewall.Event) {
	if w.opts.PIDs != nil && ev.Protocol != firewall.ProtocolICMP && ev.Protocol != firewall.ProtocolICMPv6 {
		if pid, ok := w.opts.PIDs.Lookup(ev.Protocol, ev.Local(), ev.Remote()); ok && pid != w.opts.SystemPID {
			ev.PID = pid
			if w.opts.Processes != nil {
				if name, ok := w.opts.Processes.FileName(pid); ok {
					ev.ProcessFileName = name
				}
			}
			return
		}
	}
	ev.PID = w.opts.SystemPID
	ev.ProcessFileName = "System"
	w.metrics.AuditPackets.WithLabelValues("unattributed").Inc()
}

func (w *NFLogWatcher) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *NFLogWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := w.opts.History.AppendEvents(ctx, batch); err != nil {
		w.metrics.AuditLogErrors.Inc()
		w.logger.Warn("failed to write audit history", "events", len(batch), "error", err)
	}
}
