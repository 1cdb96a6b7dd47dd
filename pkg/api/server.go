package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/manager"
	"github.com/avereha/pdm/pkg/pod"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server feeds pod state to a web client over a websocket and accepts
// simple delivery commands back.
type Server struct {
	manager *manager.Manager

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(m *manager.Manager) *Server {
	return &Server{manager: m}
}

func (s *Server) Start(listen string) error {
	log.Infof("pdm web api listening on %s", listen)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("This is an API to the pod controller intended to be used with a separate web client."))
	})
	mux.Handle("/ws", s)
	s.manager.AddObserver(s)
	return http.ListenAndServe(listen, mux)
}

// PodStateChanged implements manager.Observer.
func (s *Server) PodStateChanged(st *pod.State) {
	s.send(stateMessage(st))
}

// ConnectionStateChanged implements manager.Observer.
func (s *Server) ConnectionStateChanged(connected bool) {
	s.send(map[string]interface{}{
		"event":     "connection",
		"connected": connected,
	})
}

func (s *Server) send(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("could not encode state message: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warnf("websocket write failed: %v", err)
		s.conn = nil
	}
}

func stateMessage(st *pod.State) map[string]interface{} {
	msg := map[string]interface{}{
		"event":  "podState",
		"hasPod": st != nil,
	}
	if st == nil {
		return msg
	}
	msg["address"] = st.Address
	msg["setupProgress"] = st.SetupProgress.String()
	msg["suspended"] = st.IsSuspended()
	msg["faulted"] = st.IsFaulted()
	msg["activatedAt"] = st.ActivatedAt.Format(time.RFC3339)
	msg["expiresAt"] = st.ExpiresAt.Format(time.RFC3339)
	msg["alertSlots"] = st.ActiveAlertSlots
	if m := st.LastInsulinMeasurements; m != nil {
		msg["deliveredUnits"] = m.DeliveredUnits
		msg["reservoirUnits"] = m.ReservoirUnits
	}
	if b := st.UnfinalizedBolus; b != nil {
		msg["bolus"] = doseMessage(b)
	}
	if tb := st.UnfinalizedTempBasal; tb != nil {
		msg["tempBasal"] = doseMessage(tb)
	}
	return msg
}

func doseMessage(d *dose.UnfinalizedDose) map[string]interface{} {
	return map[string]interface{}{
		"type":      d.DoseType.String(),
		"units":     d.Units,
		"rate":      d.Rate,
		"startTime": d.StartTime.Format(time.RFC3339),
		"certainty": d.ScheduledCertainty.String(),
		"finished":  d.IsFinished(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s.mu.Lock()
	s.conn = ws
	s.mu.Unlock()

	// Push the current state to the new client.
	var current *pod.State
	s.manager.WithPodState(func(st *pod.State) { current = st })
	s.send(stateMessage(current))

	s.reader(ws)
}

func (s *Server) reader(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("websocket closed: %v", err)
			return
		}
		s.handleCommand(data)
	}
}

func (s *Server) handleCommand(data []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Errorf("bad command payload: %v", err)
		return
	}
	command, ok := msg["command"].(string)
	if !ok {
		log.Errorf("command missing in payload: %s", data)
		return
	}

	var err error
	switch command {
	case "bolus":
		units, _ := msg["units"].(float64)
		_, err = s.manager.EnactBolus(units, false)
	case "cancelBolus":
		_, err = s.manager.CancelBolus()
	case "tempBasal":
		rate, _ := msg["rate"].(float64)
		minutes, _ := msg["minutes"].(float64)
		err = s.manager.EnactTempBasal(rate, time.Duration(minutes)*time.Minute, false)
	case "suspend":
		err = s.manager.SuspendDelivery()
	case "resume":
		err = s.manager.ResumeDelivery()
	case "status":
		_, err = s.manager.RefreshStatus()
	case "acknowledgeAlerts":
		slots, _ := msg["slots"].(float64)
		err = s.manager.AcknowledgeAlerts(uint8(slots))
	case "forgetPod":
		err = s.manager.ForgetPod()
	default:
		log.Errorf("unknown command %q", command)
		return
	}
	if err != nil {
		log.Errorf("command %q failed: %v", command, err)
		s.send(map[string]interface{}{
			"event":   "commandError",
			"command": command,
			"error":   err.Error(),
		})
	}
}
