// Package podsim is an in-process Omnipod Dash simulator. It answers
// the wire protocol directly, so the rest of the stack can run
// end-to-end without a radio or a physical pod.
package podsim

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avereha/pdm/pkg/message"
)

const (
	reservoirFullPulses = 0x3ff
	secondsPerPulse     = 2
)

// Pod simulates a paired, running pod. It implements the session
// Transport: each accepted message queues exactly one response.
type Pod struct {
	mu sync.Mutex

	address   uint32
	activated time.Time

	progress        message.PodProgress
	reservoirPulses uint16
	deliveredPulses uint16
	lastProgSeqNum  uint8
	alertSlots      uint8

	basalActive  bool
	tempBasalEnd time.Time

	bolusStart  time.Time
	bolusPulses uint16

	faultCode    message.FaultEventCode
	faultMinutes uint16

	queued [][]byte

	// Test hooks: counters of exchanges to sabotage.
	DropRequests  int // swallow the request, no response queued
	DropResponses int // process the request, swallow the response
}

func New(address uint32) *Pod {
	return &Pod{
		address:         address,
		activated:       time.Now(),
		progress:        message.PodProgressRunningAbove50U,
		reservoirPulses: reservoirFullPulses + 1,
		basalActive:     true,
		faultMinutes:    0xffff,
	}
}

// SendMessage decodes one request and queues its response.
func (p *Pod) SendMessage(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.DropRequests > 0 {
		p.DropRequests--
		log.Debugf("podsim: dropping request %x", data)
		return nil
	}

	msg, err := message.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("podsim could not decode request: %w", err)
	}
	if msg.Address != p.address {
		// Not addressed to this pod; a real pod stays silent.
		log.Debugf("podsim: ignoring message for %08x", msg.Address)
		return nil
	}

	response, err := p.handle(msg)
	if err != nil {
		return err
	}
	if p.DropResponses > 0 {
		p.DropResponses--
		log.Debugf("podsim: dropping response to %s", msg)
		return nil
	}
	encoded, err := response.Marshal()
	if err != nil {
		return err
	}
	p.queued = append(p.queued, encoded)
	return nil
}

// ReadResponse pops the next queued response.
func (p *Pod) ReadResponse(timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queued) == 0 {
		return nil, fmt.Errorf("podsim: no response within %s", timeout)
	}
	ret := p.queued[0]
	p.queued = p.queued[1:]
	return ret, nil
}

func (p *Pod) handle(msg *message.Message) (*message.Message, error) {
	now := time.Now()
	p.settleDeliveries(now)
	responseSeq := (msg.SequenceNum + 1) & 0x0f

	var blocks []message.Block
	for i := 0; i < len(msg.Blocks); i++ {
		switch b := msg.Blocks[i].(type) {
		case *message.GetStatus:
			blocks = append(blocks, p.statusPage(b.PodInfoType, now))

		case *message.SetInsulinSchedule:
			// The paired extra block follows in the same message.
			p.program(b, now)
			p.lastProgSeqNum = uint8(msg.SequenceNum) & 0x0f
			blocks = append(blocks, p.statusResponse(now))

		case *message.CancelDelivery:
			p.cancel(b.DeliveryType, now)
			p.lastProgSeqNum = uint8(msg.SequenceNum) & 0x0f
			blocks = append(blocks, p.statusResponse(now))

		case *message.SilenceAlerts:
			p.alertSlots &^= b.AlertSlots
			blocks = append(blocks, p.statusResponse(now))

		case *message.BeepConfig:
			blocks = append(blocks, p.statusResponse(now))

		case *message.BasalScheduleExtra, *message.TempBasalExtra, *message.BolusExtra:
			// Consumed by the preceding schedule block.

		default:
			log.Debugf("podsim: unhandled block type 0x%02x", byte(msg.Blocks[i].BlockType()))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, p.statusResponse(now))
	}
	return message.NewMessage(p.address, responseSeq, blocks...), nil
}

// settleDeliveries accrues finished deliveries into the counters.
func (p *Pod) settleDeliveries(now time.Time) {
	if p.bolusPulses > 0 {
		delivered := p.bolusDeliveredPulses(now)
		if delivered >= p.bolusPulses {
			p.deliveredPulses += p.bolusPulses
			p.drainReservoir(p.bolusPulses)
			p.bolusPulses = 0
		}
	}
	if !p.tempBasalEnd.IsZero() && now.After(p.tempBasalEnd) {
		p.tempBasalEnd = time.Time{}
	}
}

func (p *Pod) bolusDeliveredPulses(now time.Time) uint16 {
	elapsed := now.Sub(p.bolusStart)
	pulses := uint16(elapsed / (secondsPerPulse * time.Second))
	if pulses > p.bolusPulses {
		pulses = p.bolusPulses
	}
	return pulses
}

func (p *Pod) drainReservoir(pulses uint16) {
	if p.reservoirPulses > pulses {
		p.reservoirPulses -= pulses
	} else {
		p.reservoirPulses = 0
	}
	if p.reservoirPulses <= reservoirFullPulses && p.progress == message.PodProgressRunningAbove50U {
		p.progress = message.PodProgressRunningBelow50U
	}
}

func (p *Pod) program(b *message.SetInsulinSchedule, now time.Time) {
	switch b.ScheduleType {
	case message.ScheduleTypeBolus:
		p.bolusStart = now
		p.bolusPulses = b.PulsesRemaining
	case message.ScheduleTypeTempBasal:
		segments := 0
		for _, e := range b.Entries {
			segments += int(e.Segments)
		}
		p.tempBasalEnd = now.Add(time.Duration(segments) * 30 * time.Minute)
	case message.ScheduleTypeBasal:
		p.basalActive = true
	}
}

func (p *Pod) cancel(deliveryType message.DeliveryType, now time.Time) {
	if deliveryType.Contains(message.DeliveryTypeBolus) && p.bolusPulses > 0 {
		delivered := p.bolusDeliveredPulses(now)
		p.deliveredPulses += delivered
		p.drainReservoir(delivered)
		p.bolusPulses = 0
	}
	if deliveryType.Contains(message.DeliveryTypeTempBasal) {
		p.tempBasalEnd = time.Time{}
	}
	if deliveryType.Contains(message.DeliveryTypeBasal) {
		p.basalActive = false
	}
}

func (p *Pod) deliveryStatus(now time.Time) message.DeliveryStatus {
	var ds message.DeliveryStatus
	if p.basalActive {
		ds |= message.DeliveryBasal
	}
	if !p.tempBasalEnd.IsZero() && now.Before(p.tempBasalEnd) {
		ds |= message.DeliveryTempBasal
	}
	if p.bolusPulses > 0 && p.bolusDeliveredPulses(now) < p.bolusPulses {
		ds |= message.DeliveryBolus
	}
	return ds
}

func (p *Pod) minutesActive(now time.Time) uint16 {
	return uint16(now.Sub(p.activated) / time.Minute)
}

func (p *Pod) statusResponse(now time.Time) *message.StatusResponse {
	bolusRemaining := uint16(0)
	if p.bolusPulses > 0 {
		bolusRemaining = p.bolusPulses - p.bolusDeliveredPulses(now)
	}
	reservoir := p.reservoirPulses
	if reservoir > reservoirFullPulses {
		reservoir = reservoirFullPulses
	}
	return &message.StatusResponse{
		DeliveryStatus:       p.deliveryStatus(now),
		PodProgress:          p.progress,
		DeliveredPulses:      p.deliveredPulses + p.bolusDeliveredPulses(now),
		LastProgSeqNum:       p.lastProgSeqNum,
		BolusRemainingPulses: bolusRemaining,
		AlertSlots:           p.alertSlots,
		MinutesActive:        p.minutesActive(now),
		ReservoirPulses:      reservoir,
	}
}

func (p *Pod) statusPage(infoType message.PodInfoType, now time.Time) message.Block {
	if infoType == message.PodInfoNormal {
		return p.statusResponse(now)
	}
	status := p.statusResponse(now)
	detailed := &message.DetailedStatus{
		PodProgress:          p.progress,
		DeliveryStatus:       status.DeliveryStatus,
		BolusRemainingPulses: status.BolusRemainingPulses,
		LastProgSeqNum:       p.lastProgSeqNum,
		DeliveredPulses:      status.DeliveredPulses,
		FaultEventCode:       p.faultCode,
		FaultMinutes:         p.faultMinutes,
		ReservoirPulses:      status.ReservoirPulses,
		MinutesActive:        status.MinutesActive,
		UnacknowledgedAlerts: p.alertSlots,
	}
	return &message.PodInfoResponse{
		PodInfoType:    message.PodInfoDetailedStatus,
		DetailedStatus: detailed,
	}
}

// Fault puts the pod into the faulted state; delivery stops.
func (p *Pod) Fault(code message.FaultEventCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.settleDeliveries(now)
	p.faultCode = code
	p.faultMinutes = p.minutesActive(now)
	p.progress = message.PodProgressFault
	p.basalActive = false
	p.tempBasalEnd = time.Time{}
	p.bolusPulses = 0
}

// RaiseAlert sets active alert slot bits, as if a pod alert fired.
func (p *Pod) RaiseAlert(slots uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alertSlots |= slots
}
