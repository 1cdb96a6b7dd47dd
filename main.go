package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/avereha/pdm/pkg/api"
	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/manager"
	"github.com/avereha/pdm/pkg/pod"
	"github.com/avereha/pdm/pkg/podsim"
)

// logNotifier is the default notification sink: the reminder date is
// just logged, a platform integration would schedule a real alert.
type logNotifier struct{}

func (logNotifier) ScheduleExpirationReminder(at time.Time) {
	log.Infof("pod expiration reminder scheduled for %s", at.Format(time.RFC3339))
}

func (logNotifier) CancelExpirationReminder() {
	log.Debugf("pod expiration reminder canceled")
}

// logDoseStore is the default dose sink, standing in for a treatment
// log integration.
type logDoseStore struct{}

func (logDoseStore) Store(doses []*dose.UnfinalizedDose) error {
	for _, d := range doses {
		log.Infof("storing dose: %s", d)
	}
	return nil
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	m, err := manager.New(c.String("state"), nil, logDoseStore{}, logNotifier{})
	if err != nil {
		return err
	}

	if !m.HasPod() {
		// No pod on file: adopt a fresh simulated one, already past
		// setup, the way a pod looks right after insertion.
		st := pod.NewState(m.PodID(), nil, "4.10.0", "1.4.0", 135966, 13521, 0x02, "simulated")
		st.SetupProgress = pod.SetupCompleted
		m.AdoptPod(st)
	}

	var address uint32
	m.WithPodState(func(st *pod.State) { address = st.Address })
	sim := podsim.New(address)
	m.SetTransport(sim)

	server := api.New(m)
	return server.Start(c.String("listen"))
}

func main() {
	app := &cli.App{
		Name:  "pdm",
		Usage: "Omnipod Dash controller with an in-process pod simulator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "state",
				Usage: "Path to the state file",
				Value: "pdm_state.toml",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Web API listen address",
				Value: ":8080",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
