package pod

import (
	"fmt"
	"time"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
)

// ProgramType distinguishes the kinds of delivery a StartProgram can
// begin.
type ProgramType int

const (
	ProgramBolus ProgramType = iota
	ProgramTempBasal
	ProgramBasalSchedule
)

// StartProgram describes a delivery-starting command in terms that let
// the dose it implies be reconstructed later, without the wire blocks.
type StartProgram struct {
	Type ProgramType

	// bolus
	Units     float64
	Automatic bool

	// temp basal
	Rate       float64
	Duration   time.Duration
	IsHighTemp bool

	// basal program (also used when resuming delivery)
	Schedule *BasalSchedule
}

// UnfinalizedDose reconstructs the dose this program would have
// started at t. Starting a basal program is recorded as a resume.
func (p *StartProgram) UnfinalizedDose(t time.Time, certainty dose.Certainty) *dose.UnfinalizedDose {
	switch p.Type {
	case ProgramBolus:
		return dose.NewBolus(p.Units, t, certainty, p.Automatic)
	case ProgramTempBasal:
		return dose.NewTempBasal(p.Rate, p.Duration, t, certainty, p.Automatic, p.IsHighTemp)
	case ProgramBasalSchedule:
		return dose.NewResume(t, certainty)
	}
	return nil
}

// PendingCommand is the durable record of a delivery-mutating command,
// written to the pod state before the command is transmitted. If the
// exchange is lost mid-flight the next session reconciles from it.
// Exactly one of Program or StopDelivery is set.
type PendingCommand struct {
	Program      *StartProgram
	StopDelivery message.DeliveryType

	Sequence    int // message sequence the command was sent with
	CommandDate time.Time
}

func NewPendingProgram(program *StartProgram, sequence int, at time.Time) *PendingCommand {
	return &PendingCommand{Program: program, Sequence: sequence, CommandDate: at}
}

func NewPendingStop(deliveryType message.DeliveryType, sequence int, at time.Time) *PendingCommand {
	return &PendingCommand{StopDelivery: deliveryType, Sequence: sequence, CommandDate: at}
}

func (c *PendingCommand) String() string {
	if c.Program != nil {
		return fmt.Sprintf("PendingCommand(program type:%d seq:%d at:%s)", c.Program.Type, c.Sequence, c.CommandDate.Format(time.RFC3339))
	}
	return fmt.Sprintf("PendingCommand(stop 0x%x seq:%d at:%s)", byte(c.StopDelivery), c.Sequence, c.CommandDate.Format(time.RFC3339))
}

func (c *PendingCommand) rawValue() map[string]interface{} {
	raw := map[string]interface{}{
		"sequence": int64(c.Sequence),
		"date":     c.CommandDate,
	}
	if c.Program != nil {
		program := map[string]interface{}{
			"programType": int64(c.Program.Type),
		}
		switch c.Program.Type {
		case ProgramBolus:
			program["units"] = c.Program.Units
			program["automatic"] = c.Program.Automatic
		case ProgramTempBasal:
			program["rate"] = c.Program.Rate
			program["duration"] = c.Program.Duration.Seconds()
			program["automatic"] = c.Program.Automatic
			program["isHighTemp"] = c.Program.IsHighTemp
		case ProgramBasalSchedule:
			if c.Program.Schedule != nil {
				program["schedule"] = c.Program.Schedule.rawValue()
			}
		}
		raw["type"] = int64(0)
		raw["program"] = program
	} else {
		raw["type"] = int64(1)
		raw["stopDelivery"] = int64(c.StopDelivery)
	}
	return raw
}

func pendingCommandFromRaw(raw map[string]interface{}) (*PendingCommand, error) {
	kind, ok := rawInt(raw["type"])
	if !ok {
		return nil, fmt.Errorf("pending command raw value missing type: %v", raw)
	}
	date, ok := raw["date"].(time.Time)
	if !ok {
		return nil, fmt.Errorf("pending command raw value missing date: %v", raw)
	}
	sequence, _ := rawInt(raw["sequence"])

	ret := &PendingCommand{
		Sequence:    int(sequence),
		CommandDate: date,
	}
	switch kind {
	case 0:
		rawProgram, ok := raw["program"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("pending program command without program: %v", raw)
		}
		programType, _ := rawInt(rawProgram["programType"])
		program := &StartProgram{Type: ProgramType(programType)}
		switch program.Type {
		case ProgramBolus:
			program.Units, _ = rawFloat(rawProgram["units"])
			program.Automatic, _ = rawProgram["automatic"].(bool)
		case ProgramTempBasal:
			program.Rate, _ = rawFloat(rawProgram["rate"])
			durationSec, _ := rawFloat(rawProgram["duration"])
			program.Duration = time.Duration(durationSec * float64(time.Second))
			program.Automatic, _ = rawProgram["automatic"].(bool)
			program.IsHighTemp, _ = rawProgram["isHighTemp"].(bool)
		case ProgramBasalSchedule:
			if rawSchedule := rawSlice(rawProgram["schedule"]); rawSchedule != nil {
				schedule, err := scheduleFromRaw(rawSchedule)
				if err != nil {
					return nil, err
				}
				program.Schedule = schedule
			}
		default:
			return nil, fmt.Errorf("unknown pending program type %d", programType)
		}
		ret.Program = program
	case 1:
		stop, _ := rawInt(raw["stopDelivery"])
		ret.StopDelivery = message.DeliveryType(stop)
	default:
		return nil, fmt.Errorf("unknown pending command type %d", kind)
	}
	return ret, nil
}
