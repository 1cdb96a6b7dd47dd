package message

// BeepOptions is the packed beep-option byte used by programming
// commands: bit 7 acknowledgement beep, bit 6 completion beep, low 6
// bits the program reminder interval in minutes.
type BeepOptions struct {
	AcknowledgementBeep     bool
	CompletionBeep          bool
	ReminderIntervalMinutes uint8 // 0-63
}

func (o BeepOptions) pack() byte {
	b := o.ReminderIntervalMinutes & 0x3f
	if o.CompletionBeep {
		b |= 1 << 6
	}
	if o.AcknowledgementBeep {
		b |= 1 << 7
	}
	return b
}

func unpackBeepOptions(b byte) BeepOptions {
	return BeepOptions{
		AcknowledgementBeep:     b&(1<<7) != 0,
		CompletionBeep:          b&(1<<6) != 0,
		ReminderIntervalMinutes: b & 0x3f,
	}
}

// BeepConfig is the 0x1e block setting the confirmation beep behavior
// for each delivery kind.
type BeepConfig struct {
	BeepType  BeepType
	Basal     BeepOptions
	TempBasal BeepOptions
	Bolus     BeepOptions
}

func UnmarshalBeepConfig(data []byte) (*BeepConfig, error) {
	if len(data) < 6 {
		return nil, ErrNotEnoughData
	}
	return &BeepConfig{
		BeepType:  BeepType(data[2]),
		Basal:     unpackBeepOptions(data[3]),
		TempBasal: unpackBeepOptions(data[4]),
		Bolus:     unpackBeepOptions(data[5]),
	}, nil
}

func (b *BeepConfig) BlockType() BlockType {
	return BEEP_CONFIG
}

func (b *BeepConfig) Marshal() ([]byte, error) {
	return []byte{
		byte(BEEP_CONFIG),
		4,
		byte(b.BeepType),
		b.Basal.pack(),
		b.TempBasal.pack(),
		b.Bolus.pack(),
	}, nil
}
