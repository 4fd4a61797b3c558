// Package transport is the HTTP client surface of the engine: the streamed
// send call plus the collaborator endpoints around it (config, leads,
// feedback, reactions, agent identity).
package transport

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"resty.dev/v3"

	"github.com/chatrail/chatrail/pkg/session"
)

// Attachment is a pre-uploaded file reference carried with a send.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// SendRequest is the body of the streamed send call. A provisional
// conversation id is never sent; the field stays empty and the backend
// assigns a durable one, returned on the stream's init event.
type SendRequest struct {
	AgentID        string         `json:"agentId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Message        string         `json:"message"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	LeadID         string         `json:"leadId,omitempty"`
	Analytics      map[string]any `json:"analytics,omitempty"`
}

// WidgetConfig is the agent-level configuration blob consumed by the host.
type WidgetConfig struct {
	AgentID        string   `json:"agentId"`
	DisplayName    string   `json:"displayName"`
	WelcomeMessage string   `json:"welcomeMessage,omitempty"`
	QuickPrompts   []string `json:"quickPrompts,omitempty"`
}

// Lead is the result of a lead-capture form submission.
type Lead struct {
	LeadID         string `json:"leadId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Client talks to the conversation backend.
type Client struct {
	http *resty.Client
}

var _ session.AgentDirectory = &Client{}

// NewClient builds a client for the given API base URL, e.g.
// https://api.example.com.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("transport: base URL is empty")
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}, nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	if c == nil || c.http == nil {
		return nil
	}
	return c.http.Close()
}

// OpenStream performs the send call and hands back the raw response body for
// the wire decoder. The caller owns the reader and must close it on every
// exit path.
func (c *Client) OpenStream(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("transport: client is not initialized")
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return nil, errors.New("transport: empty message")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Accept-Encoding", "identity").
		SetDoNotParseResponse(true).
		Post("/v1/chat")
	if err != nil {
		return nil, errors.Wrap(err, "transport: send request")
	}
	if resp.IsError() {
		return nil, errorFromStreamResponse(resp)
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return nil, errors.New("transport: empty response body")
	}
	return resp.RawResponse.Body, nil
}

func errorFromStreamResponse(resp *resty.Response) error {
	if resp.RawResponse != nil && resp.RawResponse.Body != nil {
		defer func() { _ = resp.RawResponse.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.RawResponse.Body, 4096))
		if err == nil {
			if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
				return errors.Errorf("transport: send failed with status %d: %s", resp.StatusCode(), trimmed)
			}
		}
	}
	return errors.Errorf("transport: send failed with status %d", resp.StatusCode())
}

// FetchConfig loads the widget configuration for an agent.
func (c *Client) FetchConfig(ctx context.Context, agentID string) (WidgetConfig, error) {
	var cfg WidgetConfig
	if strings.TrimSpace(agentID) == "" {
		return cfg, errors.New("transport: agentID is empty")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&cfg).
		Get("/v1/agents/" + agentID + "/config")
	if err != nil {
		return cfg, errors.Wrap(err, "transport: fetch config")
	}
	if resp.IsError() {
		return cfg, errors.Errorf("transport: fetch config failed with status %d", resp.StatusCode())
	}
	return cfg, nil
}

// CreateLead submits a lead-capture form.
func (c *Client) CreateLead(ctx context.Context, agentID string, form map[string]string) (Lead, error) {
	var lead Lead
	if strings.TrimSpace(agentID) == "" {
		return lead, errors.New("transport: agentID is empty")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"agentId": agentID, "form": form}).
		SetResult(&lead).
		Post("/v1/leads")
	if err != nil {
		return lead, errors.Wrap(err, "transport: create lead")
	}
	if resp.IsError() {
		return lead, errors.Errorf("transport: create lead failed with status %d", resp.StatusCode())
	}
	return lead, nil
}

// SubmitArticleFeedback records a help-center article rating.
func (c *Client) SubmitArticleFeedback(ctx context.Context, articleID string, helpful bool, comment string) error {
	if strings.TrimSpace(articleID) == "" {
		return errors.New("transport: articleID is empty")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"helpful": helpful, "comment": comment}).
		Post("/v1/articles/" + articleID + "/feedback")
	if err != nil {
		return errors.Wrap(err, "transport: submit article feedback")
	}
	if resp.IsError() {
		return errors.Errorf("transport: submit article feedback failed with status %d", resp.StatusCode())
	}
	return nil
}

// UpdateMessageReaction sets or clears the visitor reaction on a message.
func (c *Client) UpdateMessageReaction(ctx context.Context, conversationID, messageID, reaction string) error {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(messageID) == "" {
		return errors.New("transport: conversationID and messageID are required")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"reaction": reaction}).
		Put("/v1/conversations/" + conversationID + "/messages/" + messageID + "/reaction")
	if err != nil {
		return errors.Wrap(err, "transport: update reaction")
	}
	if resp.IsError() {
		return errors.Errorf("transport: update reaction failed with status %d", resp.StatusCode())
	}
	return nil
}

// AgentIdentity resolves the display name of the human agent responsible for
// a conversation. Implements session.AgentDirectory.
func (c *Client) AgentIdentity(ctx context.Context, conversationID string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", errors.New("transport: conversationID is empty")
	}
	var out struct {
		DisplayName string `json:"displayName"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/conversations/" + conversationID + "/agent")
	if err != nil {
		return "", errors.Wrap(err, "transport: agent identity")
	}
	if resp.IsError() {
		return "", errors.Errorf("transport: agent identity failed with status %d", resp.StatusCode())
	}
	return out.DisplayName, nil
}
