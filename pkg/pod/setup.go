package pod

// SetupProgress tracks how far pod activation has advanced. It only
// moves forward, except on an explicit pod reset; the two failure
// states are terminal.
type SetupProgress int

const (
	SetupAddressAssigned SetupProgress = iota
	SetupPodPaired
	SetupStartingPrime
	SetupPriming
	SetupSettingInitialBasalSchedule
	SetupInitialBasalScheduleSet
	SetupStartingInsertCannula
	SetupCannulaInserting
	SetupCompleted
	SetupActivationTimeout
	SetupPodIncompatible
)

func (s SetupProgress) IsPaired() bool {
	return s >= SetupPodPaired
}

func (s SetupProgress) PrimingNeeded() bool {
	return s < SetupPriming
}

func (s SetupProgress) NeedsInitialBasalSchedule() bool {
	return s < SetupInitialBasalScheduleSet
}

func (s SetupProgress) NeedsCannulaInsertion() bool {
	return s < SetupCompleted
}

func (s SetupProgress) String() string {
	switch s {
	case SetupAddressAssigned:
		return "addressAssigned"
	case SetupPodPaired:
		return "podPaired"
	case SetupStartingPrime:
		return "startingPrime"
	case SetupPriming:
		return "priming"
	case SetupSettingInitialBasalSchedule:
		return "settingInitialBasalSchedule"
	case SetupInitialBasalScheduleSet:
		return "initialBasalScheduleSet"
	case SetupStartingInsertCannula:
		return "startingInsertCannula"
	case SetupCannulaInserting:
		return "cannulaInserting"
	case SetupCompleted:
		return "completed"
	case SetupActivationTimeout:
		return "activationTimeout"
	case SetupPodIncompatible:
		return "podIncompatible"
	}
	return "unknown"
}
