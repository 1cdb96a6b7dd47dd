package manager

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"

	toml "github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"

	"github.com/avereha/pdm/pkg/pod"
)

// stateVersion is the manager state file format. Version 1 used a
// single shared `id` for both the controller and the pod.
const stateVersion = 2

// Dash controller ids live in the 0x1fxxxxxx range.
const controllerIDPrefix = 0x1f000000

// State is the manager's own persisted configuration plus the paired
// pod's state in its raw-map form.
type State struct {
	Version int `toml:"version"`

	ControllerID uint32 `toml:"controller_id"`
	PodID        uint32 `toml:"pod_id"`

	// LegacyID is only read, for migrating version 1 files.
	LegacyID uint32 `toml:"id,omitempty"`

	ConfirmationBeeps       bool                     `toml:"confirmation_beeps"`
	ExpirationReminderHours int                      `toml:"expiration_reminder_hours"`
	BasalSchedule           []pod.BasalScheduleEntry `toml:"basal_schedule,omitempty"`

	Pod           map[string]interface{}   `toml:"pod,omitempty"`
	UnstoredDoses []map[string]interface{} `toml:"unstored_doses,omitempty"`

	Filename string `toml:"-"`
}

// NewState loads the manager state file, creating a fresh one with
// generated ids when the file does not exist yet.
func NewState(filename string) (*State, error) {
	ret := &State{
		Version:                 stateVersion,
		ExpirationReminderHours: 2,
		Filename:                filename,
	}
	data, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		ret.ControllerID = controllerIDPrefix | rand.Uint32()&0x00ffffff
		ret.PodID = ret.ControllerID + 1
		log.Infof("new manager state, controller id %08x", ret.ControllerID)
		return ret, ret.Save()
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("could not parse state file %s: %w", filename, err)
	}
	ret.Filename = filename
	if ret.ExpirationReminderHours == 0 {
		ret.ExpirationReminderHours = 2
	}
	if ret.Version < 2 {
		ret.migrateV1()
	}
	return ret, nil
}

// migrateV1 splits the legacy shared id into controller and pod ids.
func (s *State) migrateV1() {
	log.Infof("migrating manager state from version %d", s.Version)
	if s.ControllerID == 0 {
		s.ControllerID = s.LegacyID
	}
	if s.PodID == 0 {
		s.PodID = s.ControllerID + 1
	}
	s.LegacyID = 0
	s.Version = stateVersion
}

func (s *State) Save() error {
	log.Debugf("saving manager state to %s", s.Filename)
	data, err := toml.Marshal(s)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(s.Filename, data, 0600)
}

// AdvancePodID moves to the next pod id after a pod is discarded, so a
// new pod never reuses the previous pod's address.
func (s *State) AdvancePodID() {
	s.PodID++
	if s.PodID == s.ControllerID {
		s.PodID++
	}
}
