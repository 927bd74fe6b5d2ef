package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/HKUDS/nanobot-gateway/pkg/config"
)

const maxResponseBytes = 1 << 20

// HTTPError is a non-2xx response from a channel API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// restClient is a small JSON-over-HTTP helper shared by the REST transports.
type restClient struct {
	base   string
	client *http.Client
	auth   func() (string, error) // Authorization header value
}

func newRESTClient(base string, auth func() (string, error)) *restClient {
	return &restClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		auth:   auth,
	}
}

// do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil). It returns the HTTP status, or 0 if no response arrived.
func (c *restClient) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		value, err := c.auth()
		if err != nil {
			return 0, err
		}
		if value != "" {
			req.Header.Set("Authorization", value)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func probeFrom(status int, err error) ProbeResult {
	res := ProbeResult{OK: err == nil, Status: status}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func staticAuth(value string) func() (string, error) {
	return func() (string, error) { return value, nil }
}

// SignalTransport talks to a signal-cli REST API.
type SignalTransport struct {
	rest    *restClient
	account string
}

func NewSignalTransport(baseURL, account string) *SignalTransport {
	return &SignalTransport{rest: newRESTClient(baseURL, nil), account: account}
}

func (t *SignalTransport) Probe(ctx context.Context) ProbeResult {
	var about struct {
		Versions []string `json:"versions"`
	}
	return probeFrom(t.rest.do(ctx, http.MethodGet, "/v1/about", nil, &about))
}

func (t *SignalTransport) Send(ctx context.Context, to, text string) error {
	_, err := t.rest.do(ctx, http.MethodPost, "/v2/send", map[string]interface{}{
		"message":    text,
		"number":     t.account,
		"recipients": []string{to},
	}, nil)
	return err
}

type signalEnvelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		DataMessage  *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Receive drains pending messages for the account.
func (t *SignalTransport) Receive(ctx context.Context) ([]InboundEvent, error) {
	var envelopes []signalEnvelope
	if _, err := t.rest.do(ctx, http.MethodGet, "/v1/receive/"+url.PathEscape(t.account), nil, &envelopes); err != nil {
		return nil, err
	}

	var events []InboundEvent
	for _, e := range envelopes {
		dm := e.Envelope.DataMessage
		if dm == nil || dm.Message == "" {
			continue
		}
		from := e.Envelope.SourceNumber
		if from == "" {
			from = e.Envelope.Source
		}
		chat := from
		if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
			chat = dm.GroupInfo.GroupID
		}
		events = append(events, InboundEvent{From: from, Chat: chat, Text: dm.Message})
	}
	return events, nil
}

// slackResponse is the envelope of every Slack Web API reply.
type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SlackTransport uses the Slack Web API with a bot token.
type SlackTransport struct {
	rest *restClient
}

func NewSlackTransport(apiBase, token string) *SlackTransport {
	if apiBase == "" {
		apiBase = "https://slack.com/api"
	}
	return &SlackTransport{rest: newRESTClient(apiBase, staticAuth("Bearer "+token))}
}

func (t *SlackTransport) call(ctx context.Context, method string, in interface{}) (int, error) {
	var out slackResponse
	status, err := t.rest.do(ctx, http.MethodPost, "/"+method, in, &out)
	if err != nil {
		return status, err
	}
	if !out.OK {
		return status, fmt.Errorf("slack %s: %s", method, out.Error)
	}
	return status, nil
}

func (t *SlackTransport) Probe(ctx context.Context) ProbeResult {
	return probeFrom(t.call(ctx, "auth.test", map[string]string{}))
}

func (t *SlackTransport) Send(ctx context.Context, to, text string) error {
	_, err := t.call(ctx, "chat.postMessage", map[string]string{"channel": to, "text": text})
	return err
}

// DiscordTransport uses the Discord bot REST API.
type DiscordTransport struct {
	rest *restClient
}

func NewDiscordTransport(apiBase, token string) *DiscordTransport {
	if apiBase == "" {
		apiBase = "https://discord.com/api/v10"
	}
	return &DiscordTransport{rest: newRESTClient(apiBase, staticAuth("Bot "+token))}
}

func (t *DiscordTransport) Probe(ctx context.Context) ProbeResult {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	return probeFrom(t.rest.do(ctx, http.MethodGet, "/users/@me", nil, &me))
}

func (t *DiscordTransport) Send(ctx context.Context, to, text string) error {
	_, err := t.rest.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(to)+"/messages",
		map[string]string{"content": text}, nil)
	return err
}

// GoogleChatTransport calls the Google Chat REST API with a bearer token
// taken from the configured credential source.
type GoogleChatTransport struct {
	rest *restClient
}

func NewGoogleChatTransport(cfg config.GoogleChatConfig) *GoogleChatTransport {
	base := cfg.APIBase
	if base == "" {
		base = "https://chat.googleapis.com/v1"
	}
	return &GoogleChatTransport{rest: newRESTClient(base, func() (string, error) {
		token, err := googleChatToken(cfg)
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	})}
}

var errNoCredential = errors.New("googlechat: no credential available")

func googleChatToken(cfg config.GoogleChatConfig) (string, error) {
	var token string
	switch cfg.CredentialSource {
	case "inline":
		token = cfg.Token
	case "file":
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("googlechat: read token file: %w", err)
		}
		token = string(data)
	case "env":
		name := cfg.TokenEnv
		if name == "" {
			name = "GOOGLE_CHAT_TOKEN"
		}
		token = os.Getenv(name)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoCredential
	}
	return token, nil
}

func (t *GoogleChatTransport) Probe(ctx context.Context) ProbeResult {
	var spaces struct {
		Spaces []struct {
			Name string `json:"name"`
		} `json:"spaces"`
	}
	return probeFrom(t.rest.do(ctx, http.MethodGet, "/spaces?pageSize=1", nil, &spaces))
}

func (t *GoogleChatTransport) Send(ctx context.Context, to, text string) error {
	space := strings.TrimPrefix(to, "/")
	if !strings.HasPrefix(space, "spaces/") {
		space = "spaces/" + space
	}
	_, err := t.rest.do(ctx, http.MethodPost, "/"+space+"/messages", map[string]string{"text": text}, nil)
	return err
}
