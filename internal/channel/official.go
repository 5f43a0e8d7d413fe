// internal/channel/official.go
package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

const (
	DefaultGraphURL     = "https://graph.facebook.com"
	DefaultGraphVersion = "v21.0"
)

// OfficialAdapter sends through the WhatsApp Business Cloud API.
type OfficialAdapter struct {
	Connection  model.Connection
	HTTP        *http.Client
	BaseURL     string
	Version     string
	CountryCode string
	Timeout     time.Duration
	Media       MediaLoader
}

var _ Adapter = (*OfficialAdapter)(nil)

type graphResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	ID string `json:"id"`
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

func (a *OfficialAdapter) endpoint(path string) string {
	base := a.BaseURL
	if base == "" {
		base = DefaultGraphURL
	}
	version := a.Version
	if version == "" {
		version = DefaultGraphVersion
	}
	return fmt.Sprintf("%s/%s/%s/%s", base, version, a.Connection.PhoneNumberID, path)
}

func (a *OfficialAdapter) checkCredentials() error {
	if a.Connection.PhoneNumberID == "" || a.Connection.AccessToken == "" {
		return appErrors.NewChannelUnavailable(a.Connection.ID, "official API credentials missing")
	}
	return nil
}

// do sends a request and decodes a 2xx answer into out. Remote errors come
// back as ProviderError with the raw body kept for diagnostics.
func (a *OfficialAdapter) do(ctx context.Context, req *http.Request, out any) error {
	ctx, cancel := withTimeout(ctx, a.Timeout)
	defer cancel()
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+a.Connection.AccessToken)

	client := a.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return appErrors.NewTransport("official API request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return appErrors.NewTransport("official API read", err)
	}

	if resp.StatusCode >= 300 {
		pe := &appErrors.ProviderError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Payload: body}
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			pe.Code = ge.Error.Code
			pe.Message = ge.Error.Message
			if ge.Error.ErrorData.Details != "" {
				pe.Message += ": " + ge.Error.ErrorData.Details
			}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %w", appErrors.NewChannelUnavailable(a.Connection.ID, "access token rejected"), pe)
		}
		return pe
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode official API response: %w", err)
	}
	return nil
}

func (a *OfficialAdapter) postMessage(ctx context.Context, msg map[string]any) (SendResult, error) {
	if err := a.checkCredentials(); err != nil {
		return SendResult{}, err
	}
	msg["messaging_product"] = "whatsapp"
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}
	req, err := http.NewRequest(http.MethodPost, a.endpoint("messages"), bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out graphResponse
	if err := a.do(ctx, req, &out); err != nil {
		return SendResult{}, err
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return SendResult{}, &appErrors.ProviderError{StatusCode: 200, Message: "response has no message id"}
	}
	return SendResult{ExternalID: out.Messages[0].ID}, nil
}

func (a *OfficialAdapter) to(raw string) (string, error) {
	n := NormalizeNumber(raw, a.CountryCode)
	if n == "" {
		return "", appErrors.NewValidation("to", fmt.Sprintf("invalid number %q", raw))
	}
	return n, nil
}

func (a *OfficialAdapter) SendText(ctx context.Context, to, body string) (SendResult, error) {
	number, err := a.to(to)
	if err != nil {
		return SendResult{}, err
	}
	return a.postMessage(ctx, map[string]any{
		"recipient_type": "individual",
		"to":             number,
		"type":           "text",
		"text":           map[string]any{"preview_url": false, "body": body},
	})
}

func (a *OfficialAdapter) SendMedia(ctx context.Context, to string, media model.Media) (SendResult, error) {
	number, err := a.to(to)
	if err != nil {
		return SendResult{}, err
	}
	if err := a.checkCredentials(); err != nil {
		return SendResult{}, err
	}

	kind := string(media.Kind)
	obj := map[string]any{}
	if isURL(media.Path) {
		obj["link"] = media.Path
	} else {
		id, err := a.upload(ctx, media)
		if err != nil {
			return SendResult{}, err
		}
		obj["id"] = id
	}
	if media.Caption != "" && media.Kind != model.MediaAudio {
		obj["caption"] = media.Caption
	}
	if media.Kind == model.MediaDocument {
		name := media.FileName
		if name == "" {
			name = filepath.Base(media.Path)
		}
		obj["filename"] = name
	}

	return a.postMessage(ctx, map[string]any{
		"recipient_type": "individual",
		"to":             number,
		"type":           kind,
		kind:             obj,
	})
}

// upload pushes a local file to the media endpoint and returns its id.
func (a *OfficialAdapter) upload(ctx context.Context, media model.Media) (string, error) {
	loader := a.Media
	if loader == nil {
		loader = DefaultMediaLoader
	}
	data, err := loader.Load(ctx, media.Path)
	if err != nil {
		return "", err
	}
	mime := media.Mimetype
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("messaging_product", "whatsapp")
	w.WriteField("type", mime)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(media.Path)))
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, a.endpoint("media"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out graphResponse
	if err := a.do(ctx, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &appErrors.ProviderError{StatusCode: 200, Message: "media upload returned no id"}
	}
	return out.ID, nil
}

func (a *OfficialAdapter) SendTemplate(ctx context.Context, to string, tpl model.Template) (SendResult, error) {
	number, err := a.to(to)
	if err != nil {
		return SendResult{}, err
	}

	components := make([]map[string]any, 0, len(tpl.Components))
	for _, c := range tpl.Components {
		comp := map[string]any{"type": c.Type}
		if c.SubType != "" {
			comp["sub_type"] = c.SubType
		}
		if c.Index != "" {
			comp["index"] = c.Index
		}
		params := make([]map[string]any, 0, len(c.Parameters))
		for _, p := range c.Parameters {
			param := map[string]any{"type": p.Type}
			if p.Type == "" || p.Type == "text" {
				param["type"] = "text"
				param["text"] = p.Text
			}
			if p.ParameterName != "" {
				param["parameter_name"] = p.ParameterName
			}
			params = append(params, param)
		}
		if len(params) > 0 {
			comp["parameters"] = params
		}
		components = append(components, comp)
	}

	tplBody := map[string]any{
		"name":     tpl.Name,
		"language": map[string]string{"code": tpl.Language},
	}
	if len(components) > 0 {
		tplBody["components"] = components
	}
	return a.postMessage(ctx, map[string]any{
		"recipient_type": "individual",
		"to":             number,
		"type":           "template",
		"template":       tplBody,
	})
}

func (a *OfficialAdapter) MarkRead(ctx context.Context, to, externalID string) error {
	if err := a.checkCredentials(); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        externalID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, a.endpoint("messages"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(ctx, req, nil)
}
