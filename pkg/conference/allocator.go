package conference

import (
	"context"
	"errors"
	"time"

	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/metrics"
	"github.com/jitsi-go/jicofo/pkg/telemetry"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Allocator states.
const (
	allocNew         = "new"
	allocDiscovering = "discovering"
	allocOfferBuilt  = "offer-built"
	allocAllocating  = "allocating"
	allocOfferSent   = "offer-sent"
	allocDone        = "done"
	allocFailedRetry = "failed-retry"
	allocCancelled   = "cancelled"
	allocAborted     = "aborted"
)

// Allocator events.
const (
	eventDiscover = "discover"
	eventBuild    = "build"
	eventAllocate = "allocate"
	eventRetry    = "retry"
	eventSend     = "send"
	eventFinish   = "finish"
	eventCancel   = "cancel"
	eventAbort    = "abort"
)

// ChannelAllocator drives one invite attempt for one participant:
// feature discovery, offer generation, channel allocation on a bridge
// and the session-initiate or transport-replace exchange. It runs as a
// single task on the shared pool, off the conference lock, and observes
// cancellation at every await point.
type ChannelAllocator struct {
	conference *Conference
	target     *participant.Participant
	reInvite   bool

	// session is set once a bridge has been picked. Only the task
	// goroutine touches it.
	session *BridgeSession

	machine *fsm.FSM
	ctx     context.Context
	stop    context.CancelFunc

	logger    *logrus.Entry
	telemetry *telemetry.Telemetry
}

func newChannelAllocator(c *Conference, target *participant.Participant, reInvite bool) *ChannelAllocator {
	ctx, stop := context.WithCancel(context.Background())
	a := &ChannelAllocator{
		conference: c,
		target:     target,
		reInvite:   reInvite,
		ctx:        ctx,
		stop:       stop,
		logger: c.logger.WithFields(logrus.Fields{
			"endpoint":  target.Endpoint(),
			"re_invite": reInvite,
		}),
		telemetry: c.telemetry.CreateChild("invite",
			attribute.String("endpoint", target.Endpoint()),
			attribute.Bool("re_invite", reInvite)),
	}
	a.initStateMachine()
	return a
}

func (a *ChannelAllocator) initStateMachine() {
	live := []string{allocNew, allocDiscovering, allocOfferBuilt, allocAllocating, allocFailedRetry, allocOfferSent}
	a.machine = fsm.NewFSM(
		allocNew,
		fsm.Events{
			{Name: eventDiscover, Src: []string{allocNew}, Dst: allocDiscovering},
			{Name: eventBuild, Src: []string{allocDiscovering}, Dst: allocOfferBuilt},
			{Name: eventAllocate, Src: []string{allocOfferBuilt, allocFailedRetry}, Dst: allocAllocating},
			{Name: eventRetry, Src: []string{allocAllocating}, Dst: allocFailedRetry},
			{Name: eventSend, Src: []string{allocAllocating}, Dst: allocOfferSent},
			{Name: eventFinish, Src: []string{allocOfferSent}, Dst: allocDone},
			{Name: eventCancel, Src: live, Dst: allocCancelled},
			{Name: eventAbort, Src: live, Dst: allocAborted},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				a.handleStateChange(e)
			},
		},
	)
}

func (a *ChannelAllocator) handleStateChange(e *fsm.Event) {
	a.logger.WithFields(logrus.Fields{
		"from": e.Src,
		"to":   e.Dst,
	}).Debug("allocator state change")
}

// Cancel stops the task at its next await point. Safe to call more than
// once and from any goroutine.
func (a *ChannelAllocator) Cancel() {
	a.stop()
}

func (a *ChannelAllocator) isCancelled() bool {
	return a.ctx.Err() != nil
}

// State returns the current allocator state.
func (a *ChannelAllocator) State() string {
	return a.machine.Current()
}

// event drives the state machine. Transitions are fixed at construction
// time, so a rejected event is a programming error.
func (a *ChannelAllocator) event(name string) {
	if err := a.machine.Event(context.Background(), name); err != nil {
		a.logger.WithError(err).WithField("event", name).Error("illegal allocator transition")
	}
}

// Run drives the invite to completion. A cancelled task releases any
// channels it allocated but never did persist, and never reports
// success.
func (a *ChannelAllocator) Run() {
	defer a.stop()
	defer a.telemetry.End()

	if a.isCancelled() {
		a.event(eventCancel)
		return
	}
	a.event(eventDiscover)
	if !a.discoverFeatures() {
		return
	}

	offer := a.buildOffer()

	allocation := a.allocateChannels(offer)
	if allocation == nil {
		return
	}

	a.event(eventSend)
	a.sendOffer(offer, allocation)
}

// discoverFeatures resolves the target's feature vars. A discovery
// failure downgrades to the default set rather than failing the invite;
// the attempt aborts only when the participant left meanwhile.
func (a *ChannelAllocator) discoverFeatures() bool {
	vars, err := a.conference.services.Discoverer.DiscoverFeatures(a.ctx, a.target.Occupant())
	if a.isCancelled() {
		a.event(eventCancel)
		return false
	}

	features := participant.DefaultFeatureSet()
	if err != nil {
		a.logger.WithError(err).Warn("feature discovery failed, using defaults")
	} else {
		features = participant.NewFeatureSet(vars)
	}
	if !a.conference.setDiscoveredFeatures(a.target, features) {
		a.event(eventAbort)
		return false
	}
	return true
}

func (a *ChannelAllocator) buildOffer() []jingle.Content {
	a.event(eventBuild)
	offer := jingle.BuildOffer(a.conference.offerOptionsFor(a.target))
	a.conference.ensureMixedSources(offer)
	return offer
}

// allocateChannels asks a selected bridge for channels, looping through
// bridge failures until the allocation sticks, no bridge is left or the
// task is cancelled by its replacement.
func (a *ChannelAllocator) allocateChannels(offer []jingle.Content) *colibri.ChannelAllocation {
	for {
		if a.isCancelled() {
			a.event(eventCancel)
			return nil
		}
		a.event(eventAllocate)

		session, ok := a.conference.bridgeSessionFor(a.target)
		if !ok {
			a.telemetry.Fail(errors.New("no bridge available"))
			a.event(eventAbort)
			a.conference.onNoBridgeAvailable(a.target)
			return nil
		}
		a.session = session

		started := time.Now()
		allocation, err := session.colibri.CreateChannels(a.ctx, a.target.Endpoint(), a.target.StatsID(), true, offer)
		if a.isCancelled() {
			if err == nil {
				a.releaseChannels(session, allocation)
			}
			a.event(eventCancel)
			return nil
		}

		switch {
		case err == nil:
			metrics.AllocationSeconds.Observe(time.Since(started).Seconds())
			if a.conference.onAllocationSuccess(a.target, session, allocation) {
				return allocation
			}
			a.releaseChannels(session, allocation)
			if !a.conference.isMember(a.target) {
				a.event(eventCancel)
				return nil
			}
			a.event(eventRetry)

		case errors.Is(err, colibri.ErrDisposed):
			// The session went away under us. Select again.
			a.event(eventRetry)

		case colibri.IsBadRequest(err):
			a.logger.WithError(err).Warn("bridge rejected channel request")
			a.telemetry.Fail(err)
			metrics.AllocationFailuresTotal.WithLabelValues(metrics.ReasonRejected).Inc()
			a.event(eventAbort)
			a.conference.onAllocationRejected(session, a.target)
			return nil

		default:
			a.logger.WithError(err).Warn("channel allocation failed")
			a.telemetry.AddError(err)
			metrics.AllocationFailuresTotal.WithLabelValues(metrics.ReasonTransport).Inc()
			a.event(eventRetry)
			a.conference.onAllocationFailed(session, a.target)
		}
	}
}

// sendOffer completes the offer with transport and conference sources
// and runs the session exchange. An unacknowledged offer tears the
// participant down.
func (a *ChannelAllocator) sendOffer(offer []jingle.Content, allocation *colibri.ChannelAllocation) {
	contents, group, session, replace := a.conference.completeOffer(a.target, a.reInvite, offer, allocation)
	signaler := a.conference.services.Signaler

	var (
		acked bool
		err   error
	)
	if replace {
		acked, err = signaler.ReplaceTransport(a.ctx, session, contents, group, a.target.StartMuted())
	} else {
		session, acked, err = signaler.InitiateSession(a.ctx, a.target.Occupant(), contents, group, a.target.StartMuted())
	}

	if a.isCancelled() {
		a.event(eventCancel)
		return
	}
	if err != nil || !acked {
		if err != nil {
			a.logger.WithError(err).Warn("session signalling failed")
			a.telemetry.Fail(err)
		} else {
			a.logger.Warn("session offer not acknowledged")
			a.telemetry.Fail(errors.New("offer not acknowledged"))
		}
		a.event(eventAbort)
		a.conference.onInviteFailed(a.target)
		return
	}

	if !a.conference.onSessionAck(a, a.target, session) {
		a.event(eventCancel)
		return
	}
	a.telemetry.AddEvent("offer acknowledged")
	a.event(eventFinish)
}

// releaseChannels expires channels that will never be used, off the
// task goroutine.
func (a *ChannelAllocator) releaseChannels(session *BridgeSession, allocation *colibri.ChannelAllocation) {
	conf := session.colibri
	logger := a.logger
	a.conference.submit(func() {
		if err := conf.ExpireChannels(context.Background(), allocation); err != nil {
			logger.WithError(err).Debug("channel expiration failed")
		}
	})
}
