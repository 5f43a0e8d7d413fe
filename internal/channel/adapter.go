// internal/channel/adapter.go
package channel

import (
	"context"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// SendResult is what a provider hands back for a sent message.
type SendResult struct {
	ExternalID string
}

// Adapter sends messages through one connection. Destination numbers are
// normalized by the implementation before transmission.
type Adapter interface {
	SendText(ctx context.Context, to, body string) (SendResult, error)
	SendMedia(ctx context.Context, to string, media model.Media) (SendResult, error)
	SendTemplate(ctx context.Context, to string, tpl model.Template) (SendResult, error)
	MarkRead(ctx context.Context, to, externalID string) error
}

// Send dispatches a payload to the matching adapter call.
func Send(ctx context.Context, a Adapter, to string, p model.Payload) (SendResult, error) {
	if err := p.Validate(); err != nil {
		return SendResult{}, err
	}
	switch p.Kind {
	case model.PayloadMedia:
		return a.SendMedia(ctx, to, *p.Media)
	case model.PayloadTemplate:
		return a.SendTemplate(ctx, to, *p.Template)
	default:
		return a.SendText(ctx, to, p.Text)
	}
}
