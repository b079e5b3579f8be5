package main

import (
	"context"
	"fmt"
	"time"

	"github.com/igjeong/natsim/engine"
	"github.com/igjeong/natsim/events"
	"github.com/igjeong/natsim/ipc"
	"github.com/igjeong/natsim/nat"
)

// ipcBackend answers control requests from the engine.
type ipcBackend struct {
	engine *engine.Engine
}

func (b *ipcBackend) Status() (*ipc.StatusResponse, error) {
	st, err := b.engine.Status()
	if err != nil {
		return nil, err
	}

	resp := &ipc.StatusResponse{
		Running:          true,
		Uptime:           st.Uptime,
		UptimeStr:        formatDuration(st.Uptime),
		ExternalIP:       st.ExternalIP.String(),
		TickInterval:     st.TickInterval.String(),
		ExpiryMode:       string(st.ExpiryMode),
		SimulatorEnabled: st.SimulatorEnabled,
		ReuseProbability: st.ReuseProbability,
		ActiveSessions:   st.ActiveSessions,
		ActiveEntries:    st.Active,
		TotalCreated:     st.TotalCreated,
		TotalExpired:     st.TotalExpired,
		Ticks:            st.Ticks,
		TickFailures:     st.TickFailures,
		Rejected:         st.Rejected,
	}

	resp.Entries = make([]ipc.EntryInfo, len(st.Entries))
	for i, e := range st.Entries {
		resp.Entries[i] = ipc.NewEntryInfo(e)
	}
	for _, ev := range st.Recent {
		resp.RecentEvents = append(resp.RecentEvents, ipc.EventInfo{
			ID:      ev.ID,
			Time:    ev.Time,
			Type:    ev.Type.String(),
			Summary: eventSummary(ev),
		})
	}
	return resp, nil
}

func (b *ipcBackend) Translate(ctx context.Context, destination string) (nat.Entry, bool, error) {
	return b.engine.Translate(ctx, destination)
}

// eventSummary renders the payload of an event for display.
func eventSummary(ev events.Event) string {
	switch data := ev.Data.(type) {
	case nat.EntryEvent:
		return data.Entry.String()
	case nat.Entry:
		return data.String()
	case engine.Rejection:
		return fmt.Sprintf("%q: %s", data.Input, data.Error)
	default:
		return ""
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
