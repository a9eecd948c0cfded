package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/jitsi-go/jicofo/pkg/metrics"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// HealthMonitor probes every known bridge periodically. A probe that gets
// no reply is retried once after a delay; failing the retry, or an error
// reply blaming the bridge itself, marks the bridge non-operational and
// publishes a health-failed event.
type HealthMonitor struct {
	registry *Registry
	prober   Prober
	bus      *Bus
	pool     *common.TaskPool

	interval       time.Duration
	retryDelay     time.Duration
	requestTimeout time.Duration

	logger *logrus.Entry

	mutex sync.Mutex
	tasks map[string]*common.RecurringTask
	subID int
	done  chan struct{}
}

// NewHealthMonitor builds a monitor. Probe tasks run on the shared pool.
func NewHealthMonitor(registry *Registry, prober Prober, bus *Bus, pool *common.TaskPool,
	interval, retryDelay, requestTimeout time.Duration, logger *logrus.Entry) *HealthMonitor {
	return &HealthMonitor{
		registry:       registry,
		prober:         prober,
		bus:            bus,
		pool:           pool,
		interval:       interval,
		retryDelay:     retryDelay,
		requestTimeout: requestTimeout,
		logger:         logger.WithField("component", "health-monitor"),
		tasks:          make(map[string]*common.RecurringTask),
	}
}

// Start subscribes to fleet events and begins watching every bridge the
// registry already knows.
func (m *HealthMonitor) Start() {
	id, events := m.bus.Subscribe(16)

	m.mutex.Lock()
	m.subID = id
	m.done = make(chan struct{})
	m.mutex.Unlock()

	for _, b := range m.registry.All() {
		m.watch(b.JID)
	}

	go func() {
		for event := range events {
			switch e := event.(type) {
			case Up:
				m.watch(e.Bridge)
			case Down:
				m.unwatch(e.Bridge)
			}
		}
	}()
}

// Stop cancels all probe tasks and unsubscribes from the bus. Safe to
// call more than once.
func (m *HealthMonitor) Stop() {
	m.mutex.Lock()
	if m.done == nil {
		m.mutex.Unlock()
		return
	}
	close(m.done)
	m.done = nil
	tasks := m.tasks
	m.tasks = make(map[string]*common.RecurringTask)
	id := m.subID
	m.mutex.Unlock()

	m.bus.Unsubscribe(id)
	for _, task := range tasks {
		task.Cancel()
	}
}

func (m *HealthMonitor) watch(j jid.JID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.done == nil {
		return
	}
	if _, watching := m.tasks[j.String()]; watching {
		return
	}
	m.tasks[j.String()] = common.ScheduleRecurring(m.pool, m.interval, func() {
		m.probe(j)
	})
	m.logger.WithField("bridge", j.String()).Debug("watching bridge health")
}

func (m *HealthMonitor) unwatch(j jid.JID) {
	m.mutex.Lock()
	task, watching := m.tasks[j.String()]
	delete(m.tasks, j.String())
	m.mutex.Unlock()

	if watching {
		task.Cancel()
		m.logger.WithField("bridge", j.String()).Debug("stopped watching bridge health")
	}
}

// probe runs one health-check cycle for a bridge. It executes on a pool
// worker; the retry sleeps in place, which also keeps the next scheduled
// fire from overlapping this one.
func (m *HealthMonitor) probe(j jid.JID) {
	ctx := context.Background()
	logger := m.logger.WithField("bridge", j.String())

	// A bridge in failure cooldown is left alone until the registry
	// re-elevates it.
	if snapshot, ok := m.registry.Get(j); !ok || !snapshot.Operational {
		return
	}

	supports, err := m.prober.SupportsHealthChecks(ctx, j)
	if err != nil {
		logger.WithError(err).Debug("capability discovery failed, skipping probe")
		return
	}
	if !supports {
		return
	}

	err = m.prober.CheckHealth(ctx, j, m.requestTimeout)
	if err == nil {
		return
	}
	if fatal, retry := m.classify(err); fatal {
		m.fail(j, err)
		return
	} else if !retry {
		logger.WithError(err).Warn("health probe error ignored")
		return
	}

	logger.WithError(err).Warn("health probe got no reply, retrying once")
	select {
	case <-time.After(m.retryDelay):
	case <-m.stopped():
		return
	}

	err = m.prober.CheckHealth(ctx, j, m.requestTimeout)
	if err == nil {
		return
	}
	if fatal, retry := m.classify(err); fatal || retry {
		m.fail(j, err)
		return
	}
	logger.WithError(err).Warn("health probe error ignored")
}

// classify splits probe errors into (fatal, retryable-timeout). A fatal
// error reply fails the bridge without a retry; a timeout earns one
// retry; anything else is logged only.
func (m *HealthMonitor) classify(err error) (fatal, timeout bool) {
	if errors.Is(err, ErrProbeTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return false, true
	}
	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		switch probeErr.Condition {
		case stanza.InternalServerError, stanza.ServiceUnavailable:
			return true, false
		}
	}
	return false, false
}

func (m *HealthMonitor) fail(j jid.JID, err error) {
	m.logger.WithField("bridge", j.String()).WithError(err).Warn("bridge failed health check")
	metrics.HealthCheckFailuresTotal.Inc()
	m.registry.SetOperational(j, false)
	m.bus.Publish(HealthCheckFailed{Bridge: j})
}

func (m *HealthMonitor) stopped() <-chan struct{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}
