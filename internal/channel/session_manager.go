// internal/channel/session_manager.go
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/retry"
)

// StatusFunc receives delivery receipts observed on a session.
type StatusFunc func(ctx context.Context, ev model.StatusEvent) error

// whatsmeowClient adapts *whatsmeow.Client to SessionClient.
type whatsmeowClient struct {
	cli *whatsmeow.Client
}

func (c whatsmeowClient) IsConnected() bool { return c.cli.IsConnected() }
func (c whatsmeowClient) IsLoggedIn() bool  { return c.cli.IsLoggedIn() }

func (c whatsmeowClient) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (string, error) {
	resp, err := c.cli.SendMessage(ctx, to, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c whatsmeowClient) Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return c.cli.Upload(ctx, data, kind)
}

func (c whatsmeowClient) MarkRead(ctx context.Context, ids []types.MessageID, chat types.JID) error {
	return c.cli.MarkRead(ctx, ids, time.Now(), chat, types.EmptyJID)
}

func (c whatsmeowClient) IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	return c.cli.IsOnWhatsApp(ctx, phones)
}

// SessionManager owns one whatsmeow client per session connection. Device
// keys live in the whatsmeow sql store next to the application tables.
type SessionManager struct {
	container *sqlstore.Container
	onStatus  StatusFunc

	mu      sync.RWMutex
	clients map[int]*whatsmeow.Client
}

func NewSessionManager(ctx context.Context, dsn string, onStatus StatusFunc) (*SessionManager, error) {
	dbLog := waLog.Zerolog(log.Logger.With().Str("module", "whatsmeow-store").Logger())
	container, err := sqlstore.New(ctx, "postgres", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &SessionManager{
		container: container,
		onStatus:  onStatus,
		clients:   make(map[int]*whatsmeow.Client),
	}, nil
}

// Client implements SessionProvider.
func (m *SessionManager) Client(connectionID int) (SessionClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cli, ok := m.clients[connectionID]
	if !ok {
		return nil, false
	}
	return whatsmeowClient{cli: cli}, true
}

// Start connects a paired connection. Pairing itself (QR login) is an
// operator action and is not done here.
func (m *SessionManager) Start(ctx context.Context, conn model.Connection) error {
	if conn.DeviceJID == "" {
		return appErrors.NewChannelUnavailable(conn.ID, "connection is not paired")
	}
	jid, err := types.ParseJID(conn.DeviceJID)
	if err != nil {
		return appErrors.NewChannelUnavailable(conn.ID, "invalid device jid")
	}
	device, err := m.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("load device for connection %d: %w", conn.ID, err)
	}
	if device == nil {
		return appErrors.NewChannelUnavailable(conn.ID, "device keys not found")
	}

	clientLog := waLog.Zerolog(log.Logger.With().Str("module", "whatsmeow").Int("connection_id", conn.ID).Logger())
	cli := whatsmeow.NewClient(device, clientLog)
	cli.AddEventHandler(m.eventHandler(conn))

	err = retry.Do(ctx, retry.ReconnectPolicy, "session connect", func(ctx context.Context) error {
		if cli.IsConnected() {
			return nil
		}
		return cli.Connect()
	})
	if err != nil {
		return appErrors.NewChannelUnavailable(conn.ID, "connect failed: "+err.Error())
	}

	m.mu.Lock()
	if old, ok := m.clients[conn.ID]; ok {
		old.Disconnect()
	}
	m.clients[conn.ID] = cli
	m.mu.Unlock()

	log.Info().Int("connection_id", conn.ID).Int("company_id", conn.CompanyID).Msg("session connected")
	return nil
}

// Disconnect drops the session of one connection, if it runs here.
func (m *SessionManager) Disconnect(connectionID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cli, ok := m.clients[connectionID]; ok {
		cli.Disconnect()
		delete(m.clients, connectionID)
	}
}

// Stop disconnects every session.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cli := range m.clients {
		cli.Disconnect()
		delete(m.clients, id)
	}
}

func (m *SessionManager) eventHandler(conn model.Connection) func(evt any) {
	return func(evt any) {
		switch e := evt.(type) {
		case *events.Receipt:
			status := ReceiptStatus(e.Type)
			if status == "" || m.onStatus == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			for _, id := range e.MessageIDs {
				ev := model.StatusEvent{
					CompanyID:         conn.CompanyID,
					ExternalMessageID: string(id),
					Status:            status,
					Timestamp:         e.Timestamp,
				}
				if err := m.onStatus(ctx, ev); err != nil {
					log.Error().Err(err).Int("connection_id", conn.ID).Str("message_id", string(id)).Msg("session receipt not reconciled")
				}
			}
		case *events.Connected:
			log.Info().Int("connection_id", conn.ID).Msg("session online")
		case *events.Disconnected:
			log.Warn().Int("connection_id", conn.ID).Msg("session disconnected")
		case *events.LoggedOut:
			log.Error().Int("connection_id", conn.ID).Int("reason", int(e.Reason)).Msg("session logged out")
		}
	}
}

// ReceiptStatus maps a receipt type to a delivery status, or "" for
// receipts that do not change delivery state.
func ReceiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeDelivered:
		return "delivered"
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		return "read"
	}
	return ""
}
