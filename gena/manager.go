package gena

import (
	"container/heap"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/upnpgo/upnpcp/internal/executor"
	"github.com/upnpgo/upnpcp/internal/uerrors"
)

// DefaultTimeout is the lease requested when none is configured, per the
// GENA wire contract's conventional TIMEOUT: Second-300.
const DefaultTimeout = 300 * time.Second

const minRenewMargin = 10 * time.Second

const renewMarginFraction = 0.10

var timeoutRE = regexp.MustCompile(`(?i)second-([0-9]+)`)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithRequestTimeout bounds how long a single SUBSCRIBE/RENEW/UNSUBSCRIBE
// HTTP round-trip may take.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.client = newHTTPClient(d) }
}

// WithLeaseDuration sets the TIMEOUT requested on SUBSCRIBE/RENEW.
func WithLeaseDuration(d time.Duration) Option {
	return func(m *Manager) { m.leaseDuration = d }
}

// Manager maintains the set of active Subscriptions, renews them ahead of
// expiry, and evicts leases that could not be renewed. One Manager
// serves every Service subscribed through it.
type Manager struct {
	callbackURL   string
	onExpired     func(Service)
	leaseDuration time.Duration
	client        *httpClient
	pools         *executor.Pools
	log           *log.Entry

	mu    sync.Mutex
	subs  map[string]*Subscription
	queue subscriptionHeap

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager and starts its renewal scheduler on the server
// pool. callbackURL is this control point's event sink, in the literal
// angle-bracketed GENA form (e.g. "<http://192.0.2.9:8058/>").
func New(pools *executor.Pools, callbackURL string, onExpired func(Service), opts ...Option) *Manager {
	m := &Manager{
		callbackURL:   callbackURL,
		onExpired:     onExpired,
		leaseDuration: DefaultTimeout,
		client:        newHTTPClient(10 * time.Second),
		pools:         pools,
		log:           log.WithField("component", "gena.Manager"),
		subs:          make(map[string]*Subscription),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	pools.SubmitServer(m.schedulerLoop)
	return m
}

// Subscribe subscribes svc if it has no subscription ID yet, else renews
// its existing one. On success, registers it with the renewal scheduler
// when keepRenew is true.
func (m *Manager) Subscribe(ctx context.Context, svc Service, keepRenew bool) bool {
	m.mu.Lock()
	existing, have := m.subs[svc.Key()]
	m.mu.Unlock()

	if have && existing.SID() != "" {
		return m.RenewSubscribe(ctx, svc)
	}
	return m.doSubscribe(ctx, svc, keepRenew)
}

// RenewSubscribe renews svc's existing subscription, or performs a fresh
// SUBSCRIBE without registering for keep-renew if none exists.
func (m *Manager) RenewSubscribe(ctx context.Context, svc Service) bool {
	m.mu.Lock()
	sub, have := m.subs[svc.Key()]
	m.mu.Unlock()

	if !have || sub.SID() == "" {
		return m.doSubscribe(ctx, svc, false)
	}

	sub.mu.Lock()
	sub.state = StateRenewing
	sid := sub.sid
	sub.mu.Unlock()

	return m.renew(ctx, sub, svc, sid)
}

// Unsubscribe sends UNSUBSCRIBE for svc's active subscription and removes
// it from the registry and scheduler regardless of the wire result.
func (m *Manager) Unsubscribe(ctx context.Context, svc Service) bool {
	m.mu.Lock()
	sub, have := m.subs[svc.Key()]
	if have {
		delete(m.subs, svc.Key())
		m.queue.removeByKey(svc.Key())
	}
	m.mu.Unlock()

	if !have {
		return false
	}
	m.wakeScheduler()

	sub.mu.Lock()
	sub.state = StateUnsubscribing
	sid := sub.sid
	sub.mu.Unlock()

	ok := true
	if sid != "" {
		resp, err := m.client.do(ctx, "UNSUBSCRIBE", svc.EventSubURL(), map[string]string{"SID": sid})
		if err != nil {
			ok = false
			failErr := &uerrors.SubscribeFailedError{Operation: "unsubscribe", Reason: err.Error()}
			m.log.WithError(failErr).WithField("service", svc.Key()).Debug("unsubscribe request failed; dropping local state anyway")
		} else if resp.StatusCode != http.StatusOK {
			ok = false
			failErr := &uerrors.SubscribeFailedError{Operation: "unsubscribe", Reason: "non-200 response", StatusCode: resp.StatusCode}
			m.log.WithError(failErr).WithField("service", svc.Key()).Debug("unsubscribe request failed; dropping local state anyway")
		}
	}

	sub.mu.Lock()
	sub.state = StateUnsubscribed
	sub.sid = ""
	sub.mu.Unlock()

	return ok
}

// Shutdown stops the renewal scheduler. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) doSubscribe(ctx context.Context, svc Service, keepRenew bool) bool {
	headers := map[string]string{
		"NT":       "upnp:event",
		"CALLBACK": m.callbackURL,
		"TIMEOUT":  fmt.Sprintf("Second-%d", int(m.leaseDuration.Seconds())),
	}

	start := time.Now()
	resp, err := m.client.do(ctx, "SUBSCRIBE", svc.EventSubURL(), headers)
	if err != nil {
		failErr := &uerrors.SubscribeFailedError{Operation: "subscribe", Reason: err.Error()}
		m.log.WithError(failErr).WithField("service", svc.Key()).Debug("subscribe failed")
		return false
	}
	sid, timeout, ok := parseSubscribeResponse(resp)
	if !ok {
		failErr := &uerrors.SubscribeFailedError{
			Operation:  "subscribe",
			Reason:     "missing SID or unparsable TIMEOUT",
			StatusCode: resp.StatusCode,
		}
		m.log.WithError(failErr).WithField("service", svc.Key()).Debug("subscribe response rejected")
		return false
	}

	sub := &Subscription{
		svc:       svc,
		sid:       sid,
		startTime: start,
		timeout:   timeout,
		expiry:    start.Add(timeout),
		keepRenew: keepRenew,
		state:     StateActive,
		heapIndex: -1,
	}

	m.mu.Lock()
	m.subs[svc.Key()] = sub
	if keepRenew {
		heap.Push(&m.queue, sub)
	}
	m.mu.Unlock()

	m.wakeScheduler()
	return true
}

func (m *Manager) renew(ctx context.Context, sub *Subscription, svc Service, sid string) bool {
	headers := map[string]string{
		"SID":     sid,
		"TIMEOUT": fmt.Sprintf("Second-%d", int(m.leaseDuration.Seconds())),
	}

	start := time.Now()
	resp, err := m.client.do(ctx, "SUBSCRIBE", svc.EventSubURL(), headers)
	if err != nil {
		failErr := &uerrors.SubscribeFailedError{Operation: "renew", Reason: err.Error()}
		m.log.WithError(failErr).WithField("service", svc.Key()).Debug("renew failed")
		m.markExpired(sub)
		return false
	}
	newSID, timeout, ok := parseSubscribeResponse(resp)
	if !ok || newSID != sid {
		// a rotated SID is treated as a failed renewal; caller must
		// full-subscribe again.
		reason := "missing SID or unparsable TIMEOUT"
		if ok && newSID != sid {
			reason = "SID rotated on renewal"
		}
		failErr := &uerrors.SubscribeFailedError{Operation: "renew", Reason: reason, StatusCode: resp.StatusCode}
		m.log.WithError(failErr).WithField("service", svc.Key()).Debug("renew response rejected")
		m.markExpired(sub)
		return false
	}

	m.mu.Lock()
	// simultaneous unsubscribe wins: if the registry no longer holds this
	// subscription under its key, the in-flight renew response is ignored.
	if current, have := m.subs[svc.Key()]; !have || current != sub {
		m.mu.Unlock()
		return false
	}
	sub.mu.Lock()
	sub.startTime = start
	sub.timeout = timeout
	sub.expiry = start.Add(timeout)
	sub.state = StateActive
	sub.mu.Unlock()
	if sub.heapIndex >= 0 {
		heap.Fix(&m.queue, sub.heapIndex)
	}
	m.mu.Unlock()

	m.wakeScheduler()
	return true
}

func (m *Manager) markExpired(sub *Subscription) {
	m.mu.Lock()
	key := sub.svc.Key()
	if current, have := m.subs[key]; have && current == sub {
		delete(m.subs, key)
		m.queue.removeByKey(key)
	}
	m.mu.Unlock()
	m.wakeScheduler()

	sub.mu.Lock()
	sub.state = StateUnsubscribed
	svc := sub.svc
	sub.mu.Unlock()

	if m.onExpired == nil {
		return
	}
	m.pools.SubmitCallback(func() { m.onExpired(svc) })
}

func (m *Manager) wakeScheduler() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// schedulerLoop sleeps until the nearest subscription's renewal margin,
// renews whatever has come due, and re-reads the earliest expiry after
// every change.
func (m *Manager) schedulerLoop() {
	for {
		m.mu.Lock()
		var wait time.Duration
		if m.queue.Len() == 0 {
			wait = time.Hour
		} else {
			due := renewalDue(m.queue[0].expiry, m.queue[0].timeout)
			wait = time.Until(due)
			if wait < 0 {
				wait = 0
			}
		}
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		m.renewDueSubscriptions()
	}
}

func (m *Manager) renewDueSubscriptions() {
	now := time.Now()
	var due []*Subscription

	m.mu.Lock()
	for m.queue.Len() > 0 && !renewalDue(m.queue[0].expiry, m.queue[0].timeout).After(now) {
		due = append(due, heap.Pop(&m.queue).(*Subscription))
	}
	m.mu.Unlock()

	for _, sub := range due {
		sub.mu.Lock()
		svc := sub.svc
		sid := sub.sid
		sub.state = StateRenewing
		sub.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ok := m.renew(ctx, sub, svc, sid)
		cancel()

		if !ok {
			continue
		}
		m.mu.Lock()
		if _, have := m.subs[svc.Key()]; have {
			heap.Push(&m.queue, sub)
		}
		m.mu.Unlock()
	}
}

// renewalDue returns the time at which a subscription expiring at expiry
// should be renewed: margin = max(10s, 10% of the lease).
func renewalDue(expiry time.Time, lease time.Duration) time.Time {
	margin := time.Duration(float64(lease) * renewMarginFraction)
	if margin < minRenewMargin {
		margin = minRenewMargin
	}
	return expiry.Add(-margin)
}

func parseSubscribeResponse(resp *genaResponse) (sid string, timeout time.Duration, ok bool) {
	if resp.StatusCode != http.StatusOK {
		return "", 0, false
	}
	sid = resp.Header.Get("SID")
	if sid == "" {
		return "", 0, false
	}
	raw := resp.Header.Get("TIMEOUT")
	timeout, ok = parseTimeout(raw)
	if !ok {
		return "", 0, false
	}
	return sid, timeout, true
}

func parseTimeout(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	if matchesInfinite(raw) {
		return DefaultTimeout, true
	}
	m := timeoutRE.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func matchesInfinite(raw string) bool {
	return strings.EqualFold(raw, "infinite")
}
