// internal/channel/session.go
package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// SessionClient is the part of a WhatsApp Web session the adapter uses.
type SessionClient interface {
	IsConnected() bool
	IsLoggedIn() bool
	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (string, error)
	Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	MarkRead(ctx context.Context, ids []types.MessageID, chat types.JID) error
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
}

// SessionProvider returns the live session of a connection.
type SessionProvider interface {
	Client(connectionID int) (SessionClient, bool)
}

// SessionOwners reports which worker holds a session connection, or ""
// when none does.
type SessionOwners interface {
	Owner(ctx context.Context, connectionID int) (string, error)
}

// SessionAdapter sends through an authenticated WhatsApp Web session.
type SessionAdapter struct {
	ConnectionID int
	Sessions     SessionProvider
	CountryCode  string
	Limiter      *rate.Limiter
	Timeout      time.Duration
	Media        MediaLoader
	// Owners, when set, tells a missing local session apart from one
	// held by another worker.
	Owners SessionOwners
}

var _ Adapter = (*SessionAdapter)(nil)

// client fails fast when the session is missing or logged out. Retrying
// against a dead session does not help until an operator pairs it again.
func (a *SessionAdapter) client(ctx context.Context) (SessionClient, error) {
	var cli SessionClient
	ok := false
	if a.Sessions != nil {
		cli, ok = a.Sessions.Client(a.ConnectionID)
	}
	if !ok || cli == nil {
		if a.Owners != nil {
			owner, err := a.Owners.Owner(ctx, a.ConnectionID)
			if err != nil {
				return nil, appErrors.NewTransport("session owner", err)
			}
			if owner != "" {
				return nil, appErrors.NewSessionElsewhere(a.ConnectionID, owner)
			}
		}
		if a.Sessions == nil {
			return nil, appErrors.NewChannelUnavailable(a.ConnectionID, "sessions are not run by this process")
		}
		return nil, appErrors.NewChannelUnavailable(a.ConnectionID, "no session started")
	}
	if !cli.IsLoggedIn() {
		return nil, appErrors.NewChannelUnavailable(a.ConnectionID, "session logged out")
	}
	if !cli.IsConnected() {
		return nil, appErrors.NewChannelUnavailable(a.ConnectionID, "session disconnected")
	}
	return cli, nil
}

func (a *SessionAdapter) jid(to string) (types.JID, error) {
	number := NormalizeNumber(to, a.CountryCode)
	if number == "" {
		return types.JID{}, appErrors.NewValidation("to", fmt.Sprintf("invalid number %q", to))
	}
	return types.NewJID(number, types.DefaultUserServer), nil
}

func (a *SessionAdapter) send(ctx context.Context, to string, build func(ctx context.Context, cli SessionClient) (*waE2E.Message, error)) (SendResult, error) {
	cli, err := a.client(ctx)
	if err != nil {
		return SendResult{}, err
	}
	jid, err := a.jid(to)
	if err != nil {
		return SendResult{}, err
	}

	ctx, cancel := withTimeout(ctx, a.Timeout)
	defer cancel()

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return SendResult{}, appErrors.NewTransport("session rate limit", err)
		}
	}

	msg, err := build(ctx, cli)
	if err != nil {
		return SendResult{}, err
	}
	id, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return SendResult{}, appErrors.NewTransport("session send", err)
	}
	return SendResult{ExternalID: id}, nil
}

func (a *SessionAdapter) SendText(ctx context.Context, to, body string) (SendResult, error) {
	return a.send(ctx, to, func(context.Context, SessionClient) (*waE2E.Message, error) {
		return &waE2E.Message{Conversation: proto.String(body)}, nil
	})
}

func (a *SessionAdapter) SendMedia(ctx context.Context, to string, media model.Media) (SendResult, error) {
	return a.send(ctx, to, func(ctx context.Context, cli SessionClient) (*waE2E.Message, error) {
		loader := a.Media
		if loader == nil {
			loader = DefaultMediaLoader
		}
		data, err := loader.Load(ctx, media.Path)
		if err != nil {
			return nil, err
		}
		mime := media.Mimetype
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		fileName := media.FileName
		if fileName == "" {
			fileName = filepath.Base(media.Path)
		}

		var kind whatsmeow.MediaType
		switch media.Kind {
		case model.MediaImage:
			kind = whatsmeow.MediaImage
		case model.MediaVideo:
			kind = whatsmeow.MediaVideo
		case model.MediaAudio:
			kind = whatsmeow.MediaAudio
		default:
			kind = whatsmeow.MediaDocument
		}
		up, err := cli.Upload(ctx, data, kind)
		if err != nil {
			return nil, appErrors.NewTransport("session upload", err)
		}

		msg := &waE2E.Message{}
		switch media.Kind {
		case model.MediaImage:
			msg.ImageMessage = &waE2E.ImageMessage{
				Caption:       proto.String(media.Caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
			}
		case model.MediaVideo:
			msg.VideoMessage = &waE2E.VideoMessage{
				Caption:       proto.String(media.Caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
			}
		case model.MediaAudio:
			msg.AudioMessage = &waE2E.AudioMessage{
				Mimetype:      proto.String(mime),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
				PTT:           proto.Bool(strings.Contains(mime, "ogg")),
			}
		default:
			msg.DocumentMessage = &waE2E.DocumentMessage{
				Title:         proto.String(fileName),
				FileName:      proto.String(fileName),
				Caption:       proto.String(media.Caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
			}
		}
		return msg, nil
	})
}

// SendTemplate is not available on session connections; templates are an
// Official API feature.
func (a *SessionAdapter) SendTemplate(ctx context.Context, to string, tpl model.Template) (SendResult, error) {
	return SendResult{}, appErrors.NewValidation("payload.template", "templates require an official API connection")
}

func (a *SessionAdapter) MarkRead(ctx context.Context, to, externalID string) error {
	cli, err := a.client(ctx)
	if err != nil {
		return err
	}
	jid, err := a.jid(to)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, a.Timeout)
	defer cancel()
	if err := cli.MarkRead(ctx, []types.MessageID{types.MessageID(externalID)}, jid); err != nil {
		return appErrors.NewTransport("session mark read", err)
	}
	return nil
}

// LookupJID asks WhatsApp for the account registered to a number.
func (a *SessionAdapter) LookupJID(ctx context.Context, number string) (string, bool, error) {
	cli, err := a.client(ctx)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := withTimeout(ctx, a.Timeout)
	defer cancel()

	phone := "+" + NormalizeNumber(number, a.CountryCode)
	resp, err := cli.IsOnWhatsApp(ctx, []string{phone})
	if err != nil {
		return "", false, appErrors.NewTransport("session lookup", err)
	}
	for _, r := range resp {
		if r.IsIn {
			return r.JID.String(), true, nil
		}
	}
	return "", false, nil
}

// MediaLoader reads media referenced by a payload path.
type MediaLoader interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

type fileOrURLLoader struct {
	http *http.Client
}

// DefaultMediaLoader reads local files and downloads http(s) URLs.
var DefaultMediaLoader MediaLoader = fileOrURLLoader{http: &http.Client{Timeout: time.Minute}}

func (l fileOrURLLoader) Load(ctx context.Context, path string) ([]byte, error) {
	if !isURL(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, appErrors.NewValidation("payload.media.path", err.Error())
		}
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, appErrors.NewValidation("payload.media.path", err.Error())
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, appErrors.NewTransport("download media", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &appErrors.ProviderError{StatusCode: resp.StatusCode, Message: "media download failed", Payload: body}
	}
	return io.ReadAll(resp.Body)
}

func isURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
