// Package pump implements the OutputPump: the single dedicated output-context goroutine that
// reconciles track selection, promotes ready replacement tracks, computes the global output
// running time, drains each ready slot one item at a time, and advances periods.
package pump

import (
	"context"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/period"
	"github.com/ericcug/adaptivedemux2/internal/slot"
	"github.com/ericcug/adaptivedemux2/internal/track"
)

// Hooks bundle the presentation-level callbacks the Pump needs without importing
// internal/demux (which in turn depends on pump), avoiding an import cycle.
type Hooks struct {
	// Flushing reports whether the presentation is mid flush.
	Flushing func() bool
	// DesiredSelection returns the current target track-per-Kind selection.
	DesiredSelection func() map[collab.Kind]*track.Track
	// OutputPeriod returns the current head-of-queue Period.
	OutputPeriod func() *period.Period
	// AdvancePeriod pops the output period and promotes the next one; returns false if there
	// is no next period to promote.
	AdvancePeriod func() bool
	// OnGlobalOutput is called once per iteration with the freshly computed global output
	// running time, for telemetry.
	OnGlobalOutput func(time.Duration)
	// OnUnhealthy is called when combine_flows reports NotLinked for every pushed slot, or
	// NotNegotiated/Error for any of them. The pump itself sends no EOS and keeps running.
	OnUnhealthy func()
}

// Pump is the OutputPump.
type Pump struct {
	mu   sync.Mutex
	cond *sync.Cond

	consumer collab.Consumer
	slots    *slot.Manager
	hooks    Hooks

	stopped bool

	globalOutputPosition time.Duration
}

// New constructs a Pump bound to the given slot.Manager, consumer, and presentation hooks.
func New(consumer collab.Consumer, slots *slot.Manager, hooks Hooks) *Pump {
	p := &Pump{consumer: consumer, slots: slots, hooks: hooks}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Notify wakes the pump loop; wired as the onChange callback on every Track the pump cares
// about.
func (p *Pump) Notify() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Stop terminates the pump's Run loop.
func (p *Pump) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// GlobalOutputPosition returns the last computed global output running time.
func (p *Pump) GlobalOutputPosition() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.globalOutputPosition
}

// Run executes the pump loop until ctx is cancelled or Stop is called. It is meant to be the
// body of the output worker's dedicated goroutine.
func (p *Pump) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	for {
		if p.runOnce() {
			return
		}
	}
}

// runOnce executes one pass of the eight-step algorithm and reports whether the pump should
// stop. Split out from Run so tests can single-step it deterministically.
//
// p.mu only guards the Pump's own fields (stopped, globalOutputPosition, the cond variable);
// it is released before any call that reconciles slots or pushes to the downstream Consumer, so
// a slow or blocking Consumer can't stall Notify/Stop/GlobalOutputPosition callers.
func (p *Pump) runOnce() (stop bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return true
	}

	// Step 1: pause while flushing.
	if p.hooks.Flushing != nil && p.hooks.Flushing() {
		p.cond.Wait()
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	// Step 2: reconcile selection.
	var desired map[collab.Kind]*track.Track
	if p.hooks.DesiredSelection != nil {
		desired = p.hooks.DesiredSelection()
		p.slots.Reconcile(desired)
	}

	// Step 3: promote ready replacements, then compute global_output.
	p.slots.PromoteReady()
	p.slots.CheckStreamsSelected()
	globalOutput, known := p.computeGlobalOutput()

	// Step 4: wait if any selected track is empty and not at EOS.
	if p.anyActiveEmptyNotEOS() {
		p.mu.Lock()
		if !p.stopped {
			p.cond.Wait()
		}
		p.mu.Unlock()
		return false
	}

	// Step 5: advance period if every track is drained and a next period exists.
	if p.allTracksEmpty() {
		if op := p.outputPeriod(); op != nil && op.HasNextPeriod() && p.hooks.AdvancePeriod != nil {
			p.hooks.AdvancePeriod()
			return false
		}
	}

	// Step 6: push one ready item per eligible slot. pushReadySlots calls into the Consumer
	// without holding p.mu.
	flows := p.pushReadySlots(globalOutput, known)

	// Step 7: record position, check input wakeup.
	p.mu.Lock()
	p.globalOutputPosition = globalOutput
	p.mu.Unlock()
	if op := p.outputPeriod(); op != nil {
		op.CheckInputWakeup(globalOutput)
	}

	if p.hooks.OnGlobalOutput != nil {
		p.hooks.OnGlobalOutput(globalOutput)
	}

	combined := period.CombineFlows(flows)
	if isUnhealthy(combined) && p.hooks.OnUnhealthy != nil {
		p.hooks.OnUnhealthy()
	}

	// Step 8: if no slot has known timed data anywhere, pause until notified.
	if !known {
		p.mu.Lock()
		if !p.stopped {
			p.cond.Wait()
		}
		p.mu.Unlock()
	}

	return false
}

// computeGlobalOutput returns min(next_position) across slots whose current track reports a
// known next position (an empty track, or one whose head item is untimed, does not constrain
// the minimum).
func (p *Pump) computeGlobalOutput() (time.Duration, bool) {
	var min time.Duration
	have := false
	for _, s := range p.slots.Slots() {
		if s.Track == nil {
			continue
		}
		pos, ok := s.Track.NextPosition()
		if !ok {
			continue
		}
		if !have || pos < min {
			min = pos
			have = true
		}
	}
	return min, have
}

func (p *Pump) anyActiveEmptyNotEOS() bool {
	for _, s := range p.slots.Slots() {
		if s.Track == nil {
			continue
		}
		if s.Track.Active() && s.Track.Empty() && !s.Track.EOS() {
			return true
		}
	}
	return false
}

func (p *Pump) allTracksEmpty() bool {
	for _, s := range p.slots.Slots() {
		if s.Track != nil && !s.Track.Empty() {
			return false
		}
	}
	return true
}

func (p *Pump) outputPeriod() *period.Period {
	if p.hooks.OutputPeriod == nil {
		return nil
	}
	return p.hooks.OutputPeriod()
}

// pushReadySlots dequeues and pushes one item from every slot whose track is ready: either its
// next position is at or before globalOutput, or the slot has not pushed any timed data yet.
func (p *Pump) pushReadySlots(globalOutput time.Duration, known bool) []collab.FlowStatus {
	var flows []collab.FlowStatus
	for _, s := range p.slots.Slots() {
		if s.Track == nil {
			continue
		}
		pos, ok := s.Track.NextPosition()
		ready := !s.PushedTimedData || !ok || !known || pos <= globalOutput
		if !ready {
			continue
		}
		item, ok := s.Track.Dequeue(true)
		if !ok {
			continue
		}
		flows = append(flows, p.pushItem(s, item))
	}
	return flows
}

func (p *Pump) pushItem(s *slot.Slot, item track.Item) collab.FlowStatus {
	if p.consumer == nil {
		return collab.FlowOK
	}
	switch item.Kind {
	case track.ItemBuffer, track.ItemGap:
		s.PushedTimedData = true
		if s.Track.OutputDiscont() {
			item.Discont = true
		}
		flow := p.consumer.Push(s.ID, item)
		s.LastFlow = flow
		return flow
	case track.ItemEvent:
		if item.IsEOS && p.outputPeriodHasNext() {
			// Suppress EOS across a period boundary; the pump's own period-advance logic
			// handles continuation instead of letting EOS reach the consumer.
			return collab.FlowOK
		}
		flow := p.consumer.SendEvent(s.ID, item.EventKind, item.EventPayload)
		s.LastFlow = flow
		return flow
	default:
		return collab.FlowOK
	}
}

func (p *Pump) outputPeriodHasNext() bool {
	op := p.outputPeriod()
	return op != nil && op.HasNextPeriod()
}

// isUnhealthy reports whether combine_flows indicates downstream has gone away (not linked or
// worse, and not a normal EOS).
func isUnhealthy(f collab.FlowStatus) bool {
	return f == collab.FlowNotLinked || f == collab.FlowNotNegotiated || f == collab.FlowError
}
