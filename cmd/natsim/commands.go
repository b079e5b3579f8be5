package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/igjeong/natsim/config"
	"github.com/igjeong/natsim/ipc"
	"github.com/igjeong/natsim/nat"
)

// TTL bands used to flag entries in the status table.
const (
	ttlFreshPercent = 80
	ttlExpiringTTL  = 3
	maxEntriesShown = 20
)

func newInitCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Recreate the translation table empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context(), flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runInit(cmd.OutOrStdout(), cfg)
		},
	}
}

func runInit(w io.Writer, cfg *config.Config) (err error) {
	fmt.Fprintln(w, "Initializing NAT table...")

	table, st, err := openTable(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, st.Close())
	}()

	if err := table.Reset(); err != nil {
		return fmt.Errorf("failed to reset table: %w", err)
	}
	fmt.Fprintln(w, "NAT table initialized.")
	return nil
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running simulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context(), flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			status, err := ipc.NewClient(cfg.IPC.Addr).GetStatus()
			if err != nil {
				return fmt.Errorf("%w\n\nnatsim is not running. Start it with:\n  natsim run --config %s", err, flags.configPath)
			}
			printStatus(cmd.OutOrStdout(), status, cfg.InitialTTL)
			return nil
		},
	}
}

func printStatus(w io.Writer, status *ipc.StatusResponse, initialTTL int) {
	fmt.Fprintf(w, "natsim Status\n")
	fmt.Fprintf(w, "=============\n\n")
	fmt.Fprintf(w, "Status:           Running\n")
	fmt.Fprintf(w, "Uptime:           %s\n", status.UptimeStr)
	fmt.Fprintf(w, "External IP:      %s\n", status.ExternalIP)
	fmt.Fprintf(w, "Tick Interval:    %s\n", status.TickInterval)
	fmt.Fprintf(w, "Expiry Mode:      %s\n\n", status.ExpiryMode)

	fmt.Fprintf(w, "Translation Table\n")
	fmt.Fprintf(w, "-----------------\n")
	fmt.Fprintf(w, "Active:           %d\n", status.ActiveEntries)
	fmt.Fprintf(w, "Created:          %d\n", status.TotalCreated)
	fmt.Fprintf(w, "Expired:          %d\n", status.TotalExpired)
	fmt.Fprintf(w, "Rejected:         %d\n\n", status.Rejected)

	fmt.Fprintf(w, "Simulator\n")
	fmt.Fprintf(w, "---------\n")
	if status.SimulatorEnabled {
		fmt.Fprintf(w, "Active Sessions:  %d\n", status.ActiveSessions)
		fmt.Fprintf(w, "Reuse:            %.2f\n", status.ReuseProbability)
	} else {
		fmt.Fprintf(w, "Disabled\n")
	}
	fmt.Fprintf(w, "Ticks:            %d (%d failed)\n\n", status.Ticks, status.TickFailures)

	if len(status.Entries) > 0 {
		fmt.Fprintf(w, "Entries (showing up to %d)\n", maxEntriesShown)
		fmt.Fprintf(w, "--------------------------\n")
		fmt.Fprintf(w, "%-21s %-21s %-21s %-5s\n", "Internal", "Destination", "External", "TTL")

		for i, e := range status.Entries {
			if i >= maxEntriesShown {
				fmt.Fprintf(w, "... and %d more\n", len(status.Entries)-maxEntriesShown)
				break
			}
			internal := fmt.Sprintf("%s:%d", e.InternalIP, e.InternalPort)
			dest := fmt.Sprintf("%s:%d", e.DestIP, e.DestPort)
			external := fmt.Sprintf("%s:%d", e.ExternalIP, e.ExternalPort)
			fmt.Fprintf(w, "%-21s %-21s %-21s %-5d %s\n", internal, dest, external, e.TTL, ttlMarker(e.TTL, initialTTL))
		}
	}

	if len(status.RecentEvents) > 0 {
		fmt.Fprintf(w, "\nRecent Events\n")
		fmt.Fprintf(w, "-------------\n")
		for _, ev := range status.RecentEvents {
			fmt.Fprintf(w, "%s %-20s %s\n", ev.Time.Format("15:04:05"), ev.Type, ev.Summary)
		}
	}
}

// ttlMarker flags entries close to their initial TTL and entries about to
// expire.
func ttlMarker(ttl, initialTTL int) string {
	switch {
	case ttl <= ttlExpiringTTL:
		return "expiring"
	case ttl*100 >= initialTTL*ttlFreshPercent:
		return "fresh"
	default:
		return ""
	}
}

func newTranslateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "translate IP:PORT",
		Short: "Translate a destination through the running simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context(), flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runTranslate(cmd.OutOrStdout(), ipc.NewClient(cfg.IPC.Addr), args[0])
		},
	}
}

func runTranslate(w io.Writer, client *ipc.Client, destination string) error {
	resp, err := client.Translate(destination)
	switch {
	case errors.Is(err, nat.ErrInvalidAddressFormat):
		return fmt.Errorf("%w\nUse IP:Port (e.g., 8.8.8.8:53)", err)
	case err != nil:
		return err
	}

	e := resp.Entry
	verb := "Refreshed"
	if resp.Created {
		verb = "Translated"
	}
	fmt.Fprintf(w, "%s: %s:%d -> %s:%d (External: %s:%d) (TTL: %d)\n",
		verb, e.InternalIP, e.InternalPort, e.DestIP, e.DestPort, e.ExternalIP, e.ExternalPort, e.TTL)
	return nil
}
