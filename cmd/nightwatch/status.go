package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func newStatusCmd(c *cli) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine health and counters",
		Long: `Display the server's status snapshot.

Shows:
  - Sessions per state and how many are active
  - Circuit breaker state per dependency
  - Cache hit rate and queue depth
  - Error, remediation and routine counters`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, snap, func(w io.Writer) {
				displaySnapshot(w, snap)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

func displaySnapshot(w io.Writer, s *metrics.StatusSnapshot) {
	rows := [][2]string{
		{"Version", s.Version},
		{"Uptime", formatDuration(time.Duration(s.UptimeSeconds) * time.Second)},
		{"Active sessions", strconv.Itoa(s.ActiveSessions)},
		{"Queue depth", strconv.Itoa(s.QueueDepth)},
		{"Errors", strconv.FormatInt(s.Errors, 10)},
	}
	fmt.Fprintln(w, panel("nightwatch", rows))

	var states [][2]string
	for _, st := range models.AllSessionStates {
		n := s.SessionsByState[string(st)]
		states = append(states, [2]string{string(st), stateColor(st).Sprint(n)})
	}
	fmt.Fprintln(w, panel("Sessions", states))

	var breakers [][2]string
	for _, name := range s.BreakerNames() {
		b := s.Breakers[name]
		val := b.State
		if b.State != "closed" {
			val = stateColor(models.SessionFailed).Sprint(b.State)
		}
		breakers = append(breakers, [2]string{name, fmt.Sprintf("%s  failures=%d trips=%d limited=%d",
			val, b.ConsecutiveFailures, b.Trips, b.RateLimited)})
	}
	if len(breakers) > 0 {
		fmt.Fprintln(w, panel("Breakers", breakers))
	}

	hitRate := "-"
	if total := s.Cache.Hits + s.Cache.Misses; total > 0 {
		hitRate = fmt.Sprintf("%.0f%%", float64(s.Cache.Hits)*100/float64(total))
	}
	k := s.Counters
	fmt.Fprintln(w, panel("Counters", [][2]string{
		{"Created", strconv.FormatInt(k.SessionsCreated, 10)},
		{"Create failures", strconv.FormatInt(k.SessionsFailed, 10)},
		{"Remediations", fmt.Sprintf("%d (dropped %d)", k.Remediations, k.RemediationsDropped)},
		{"Routine runs", fmt.Sprintf("%d (failed %d)", k.RoutineRuns, k.RoutineFailures)},
		{"Queue", fmt.Sprintf("deferred %d, dropped %d", k.QueueDeferred, k.QueueDropped)},
		{"Cache", fmt.Sprintf("%d/%d entries, hit rate %s", s.Cache.Size, s.Cache.Capacity, hitRate)},
	}))
}
