// internal/model/payload.go
package model

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
)

type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadMedia    PayloadKind = "media"
	PayloadTemplate PayloadKind = "template"
)

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media points at a file on disk or at a public URL.
type Media struct {
	Path     string    `json:"path"`
	Caption  string    `json:"caption,omitempty"`
	Kind     MediaKind `json:"kind"`
	Mimetype string    `json:"mimetype,omitempty"`
	FileName string    `json:"filename,omitempty"`
}

type TemplateParameter struct {
	Type          string `json:"type"`
	Text          string `json:"text,omitempty"`
	ParameterName string `json:"parameter_name,omitempty"`
}

type TemplateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// Template is an Official API message template reference.
type Template struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

// Payload is the body of an outbound item. Exactly one of Text, Media or
// Template is set, as named by Kind.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Media    *Media      `json:"media,omitempty"`
	Template *Template   `json:"template,omitempty"`
}

func TextPayload(body string) Payload {
	return Payload{Kind: PayloadText, Text: body}
}

func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return appErrors.NewValidation("payload.text", "text cannot be empty")
		}
	case PayloadMedia:
		if p.Media == nil || strings.TrimSpace(p.Media.Path) == "" {
			return appErrors.NewValidation("payload.media.path", "media path is required")
		}
		switch p.Media.Kind {
		case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		default:
			return appErrors.NewValidation("payload.media.kind", fmt.Sprintf("unknown media kind %q", p.Media.Kind))
		}
	case PayloadTemplate:
		if p.Template == nil || p.Template.Name == "" {
			return appErrors.NewValidation("payload.template.name", "template name is required")
		}
		if p.Template.Language == "" {
			return appErrors.NewValidation("payload.template.language", "template language is required")
		}
	default:
		return appErrors.NewValidation("payload.kind", fmt.Sprintf("unknown payload kind %q", p.Kind))
	}
	return nil
}

// Value stores the payload as a jsonb column.
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return fmt.Errorf("payload: unsupported scan type %T", src)
}
