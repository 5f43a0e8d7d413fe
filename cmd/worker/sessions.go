// cmd/worker/sessions.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

const (
	statusConnected    = "CONNECTED"
	statusDisconnected = "DISCONNECTED"
)

type sessionStarter interface {
	Client(connectionID int) (channel.SessionClient, bool)
	Start(ctx context.Context, conn model.Connection) error
	Disconnect(connectionID int)
}

type sessionLeaser interface {
	Hold(ctx context.Context, connectionID int) (bool, error)
}

type connectionStore interface {
	ListByProvider(ctx context.Context, provider model.Provider) ([]*model.Connection, error)
	UpdateStatus(ctx context.Context, id int, status string) error
}

// sessionWatchdog keeps every session connection of the tenants started
// on exactly one worker: the one holding its lease.
type sessionWatchdog struct {
	Connections connectionStore
	Sessions    sessionStarter
	Leases      sessionLeaser
}

func (w *sessionWatchdog) check(ctx context.Context) {
	conns, err := w.Connections.ListByProvider(ctx, model.ProviderSession)
	if err != nil {
		log.Error().Err(err).Msg("list session connections")
		return
	}
	for _, c := range conns {
		if !w.hold(ctx, c) {
			continue
		}
		if cli, ok := w.Sessions.Client(c.ID); ok && cli.IsConnected() {
			continue
		}
		status := statusConnected
		if err := w.Sessions.Start(ctx, *c); err != nil {
			status = statusDisconnected
			log.Warn().Err(err).Int("connection_id", c.ID).Int("company_id", c.CompanyID).Msg("session not started")
		}
		if c.Status == status {
			continue
		}
		if err := w.Connections.UpdateStatus(ctx, c.ID, status); err != nil {
			log.Error().Err(err).Int("connection_id", c.ID).Msg("update connection status")
		}
	}
}

// hold renews the lease of c, and drops a local session whose lease went
// to another worker.
func (w *sessionWatchdog) hold(ctx context.Context, c *model.Connection) bool {
	if w.Leases == nil {
		return true
	}
	ok, err := w.Leases.Hold(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Int("connection_id", c.ID).Msg("renew session lease")
		return false
	}
	if !ok {
		if _, running := w.Sessions.Client(c.ID); running {
			log.Warn().Int("connection_id", c.ID).Msg("session lease lost, disconnecting")
			w.Sessions.Disconnect(c.ID)
		}
		return false
	}
	return true
}
