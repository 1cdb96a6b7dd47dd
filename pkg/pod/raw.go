package pod

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
)

// rawStateVersion is the current encoding format. Version 1 predates
// the suspend-state record and the setup-progress field.
const rawStateVersion = 2

// RawValue flattens the pod state into a plain key-value form for the
// external persistence layer.
func (s *State) RawValue() map[string]interface{} {
	raw := map[string]interface{}{
		"version":            int64(rawStateVersion),
		"address":            int64(s.Address),
		"ltk":                hex.EncodeToString(s.LTK),
		"bleIdentifier":      s.BLEIdentifier,
		"firmwareVersion":    s.FirmwareVersion,
		"bleFirmwareVersion": s.BLEFirmwareVersion,
		"lotNo":              int64(s.LotNo),
		"lotSeq":             int64(s.LotSeq),
		"productId":          int64(s.ProductID),
		"setupProgress":      int64(s.SetupProgress),
		"msgSeq":             int64(s.MsgSeq),
		"alerts":             int64(s.ActiveAlertSlots),
		"suspendState": map[string]interface{}{
			"suspended": s.SuspendState.Suspended,
			"date":      s.SuspendState.At,
		},
	}
	if !s.ActivatedAt.IsZero() {
		raw["activatedAt"] = s.ActivatedAt
	}
	if !s.ExpiresAt.IsZero() {
		raw["expiresAt"] = s.ExpiresAt
	}
	if !s.PrimeFinishTime.IsZero() {
		raw["primeFinishTime"] = s.PrimeFinishTime
	}

	finalized := make([]interface{}, 0, len(s.FinalizedDoses))
	for _, d := range s.FinalizedDoses {
		finalized = append(finalized, d.RawValue())
	}
	raw["finalizedDoses"] = finalized

	if s.UnfinalizedBolus != nil {
		raw["unfinalizedBolus"] = s.UnfinalizedBolus.RawValue()
	}
	if s.UnfinalizedTempBasal != nil {
		raw["unfinalizedTempBasal"] = s.UnfinalizedTempBasal.RawValue()
	}
	if s.UnfinalizedSuspend != nil {
		raw["unfinalizedSuspend"] = s.UnfinalizedSuspend.RawValue()
	}
	if s.UnfinalizedResume != nil {
		raw["unfinalizedResume"] = s.UnfinalizedResume.RawValue()
	}
	if s.PendingCommand != nil {
		raw["pendingCommand"] = s.PendingCommand.rawValue()
	}
	if s.Fault != nil {
		info := &message.PodInfoResponse{PodInfoType: message.PodInfoDetailedStatus, DetailedStatus: s.Fault}
		data, err := info.Marshal()
		if err == nil {
			raw["fault"] = hex.EncodeToString(data)
		}
	}
	if s.LastInsulinMeasurements != nil {
		raw["lastInsulinMeasurements"] = map[string]interface{}{
			"delivered": s.LastInsulinMeasurements.DeliveredUnits,
			"reservoir": s.LastInsulinMeasurements.ReservoirUnits,
			"validAt":   s.LastInsulinMeasurements.ValidAt,
		}
	}
	return raw
}

// StateFromRawValue rebuilds pod state from its flattened form,
// migrating the two prior schema versions.
func StateFromRawValue(raw map[string]interface{}) (*State, error) {
	address, ok := rawInt(raw["address"])
	if !ok {
		return nil, fmt.Errorf("pod state raw value missing address")
	}
	ltkString, ok := raw["ltk"].(string)
	if !ok {
		return nil, fmt.Errorf("pod state raw value missing ltk")
	}
	ltk, err := hex.DecodeString(ltkString)
	if err != nil {
		return nil, fmt.Errorf("bad ltk %q: %w", ltkString, err)
	}

	s := &State{
		Address: uint32(address),
		LTK:     ltk,
	}
	s.BLEIdentifier, _ = raw["bleIdentifier"].(string)
	s.FirmwareVersion, _ = raw["firmwareVersion"].(string)
	s.BLEFirmwareVersion, _ = raw["bleFirmwareVersion"].(string)
	if v, ok := rawInt(raw["lotNo"]); ok {
		s.LotNo = uint32(v)
	}
	if v, ok := rawInt(raw["lotSeq"]); ok {
		s.LotSeq = uint32(v)
	}
	if v, ok := rawInt(raw["productId"]); ok {
		s.ProductID = uint8(v)
	}
	if v, ok := rawInt(raw["msgSeq"]); ok {
		s.MsgSeq = int(v)
	}
	if v, ok := rawInt(raw["alerts"]); ok {
		s.ActiveAlertSlots = uint8(v)
	}
	if t, ok := raw["activatedAt"].(time.Time); ok {
		s.ActivatedAt = t
		if e, ok := raw["expiresAt"].(time.Time); ok {
			s.ExpiresAt = e
		} else {
			s.ExpiresAt = t.Add(NominalPodLife)
		}
	}
	if t, ok := raw["primeFinishTime"].(time.Time); ok {
		s.PrimeFinishTime = t
	}

	// Version 1 recorded only a bare "suspended" flag.
	if suspended, ok := raw["suspended"].(bool); ok {
		s.SuspendState = SuspendState{Suspended: suspended, At: time.Now()}
	} else if rawSuspend, ok := raw["suspendState"].(map[string]interface{}); ok {
		s.SuspendState.Suspended, _ = rawSuspend["suspended"].(bool)
		s.SuspendState.At, _ = rawSuspend["date"].(time.Time)
	} else {
		return nil, fmt.Errorf("pod state raw value missing suspend state")
	}

	// Version 1 had no setup progress; a persisted pod was implicitly
	// past setup.
	if v, ok := rawInt(raw["setupProgress"]); ok {
		s.SetupProgress = SetupProgress(v)
	} else {
		s.SetupProgress = SetupCompleted
	}

	for _, item := range rawSlice(raw["finalizedDoses"]) {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		d, err := dose.FromRawValue(m)
		if err != nil {
			return nil, err
		}
		s.FinalizedDoses = append(s.FinalizedDoses, d)
	}
	for key, dst := range map[string]**dose.UnfinalizedDose{
		"unfinalizedBolus":     &s.UnfinalizedBolus,
		"unfinalizedTempBasal": &s.UnfinalizedTempBasal,
		"unfinalizedSuspend":   &s.UnfinalizedSuspend,
		"unfinalizedResume":    &s.UnfinalizedResume,
	} {
		if m, ok := raw[key].(map[string]interface{}); ok {
			d, err := dose.FromRawValue(m)
			if err != nil {
				return nil, err
			}
			*dst = d
		}
	}
	if m, ok := raw["pendingCommand"].(map[string]interface{}); ok {
		cmd, err := pendingCommandFromRaw(m)
		if err != nil {
			return nil, err
		}
		s.PendingCommand = cmd
	}
	if faultHex, ok := raw["fault"].(string); ok {
		data, err := hex.DecodeString(faultHex)
		if err != nil {
			return nil, fmt.Errorf("bad fault record %q: %w", faultHex, err)
		}
		info, err := message.UnmarshalPodInfoResponse(data)
		if err != nil {
			return nil, fmt.Errorf("bad fault record %x: %w", data, err)
		}
		if info.DetailedStatus != nil && info.DetailedStatus.IsFaulted() {
			s.Fault = info.DetailedStatus
		}
	}
	if m, ok := raw["lastInsulinMeasurements"].(map[string]interface{}); ok {
		var im InsulinMeasurements
		im.DeliveredUnits, _ = rawFloat(m["delivered"])
		im.ReservoirUnits, _ = rawFloat(m["reservoir"])
		im.ValidAt, _ = m["validAt"].(time.Time)
		s.LastInsulinMeasurements = &im
	}

	// Fresh in-memory flags; never persisted.
	s.DeliveryStatusVerified = false
	s.LastCommsOK = false
	return s, nil
}

// rawSlice tolerates both slice shapes a raw map can come back with:
// the in-memory form is []interface{}, while go-toml decodes an array
// of tables as []map[string]interface{}.
func rawSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []map[string]interface{}:
		out := make([]interface{}, 0, len(s))
		for _, m := range s {
			out = append(out, m)
		}
		return out
	}
	return nil
}

func rawInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func rawFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
