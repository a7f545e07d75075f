// Package api is the typed client for the remote field service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/fieldsync/internal/domain"
	"github.com/skobkin/fieldsync/internal/transport"
)

// Client issues calls through a transport.Doer, normally reqcache.Gate over transport.Resilient.
type Client struct {
	doer   transport.Doer
	logger *slog.Logger
}

func New(doer transport.Doer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}

	return &Client{doer: doer, logger: logger}
}

func (c *Client) UpdateStatus(ctx context.Context, update domain.StatusUpdate) error {
	return c.send(ctx, http.MethodPut, "/surveyors/me/status", update, nil)
}

func (c *Client) UpdateLocation(ctx context.Context, update domain.LocationUpdate) error {
	return c.send(ctx, http.MethodPost, "/surveyors/me/location", update, nil)
}

func (c *Client) UpdateJobState(ctx context.Context, update domain.JobStateUpdate) error {
	if strings.TrimSpace(update.JobID) == "" {
		return fmt.Errorf("update job state: job id is required")
	}

	return c.send(ctx, http.MethodPut, "/jobs/"+url.PathEscape(update.JobID)+"/state", update, nil)
}

func (c *Client) RespondToAppointment(ctx context.Context, resp domain.AppointmentResponse) error {
	if strings.TrimSpace(resp.AppointmentID) == "" {
		return fmt.Errorf("respond to appointment: appointment id is required")
	}

	req, err := transport.JSONRequest(http.MethodPost, "/appointments/"+url.PathEscape(resp.AppointmentID)+"/response", resp)
	if err != nil {
		return err
	}

	return c.do(ctx, req.Invalidates("/appointments"), nil)
}

// Appointments lists appointments in [from, to). Results go through the read cache.
func (c *Client) Appointments(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	req := &transport.Request{Method: http.MethodGet, Path: "/appointments", Query: url.Values{}}
	if !from.IsZero() {
		req.Query.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		req.Query.Set("to", to.UTC().Format(time.RFC3339))
	}

	var out []domain.Appointment
	if err := c.read(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	return out, nil
}

// CurrentActivity returns the latest known state of every tracked entity.
func (c *Client) CurrentActivity(ctx context.Context) ([]domain.ActivityUpdate, error) {
	var out []domain.ActivityUpdate
	if err := c.read(ctx, &transport.Request{Method: http.MethodGet, Path: "/activity/current"}, &out); err != nil {
		return nil, fmt.Errorf("load current activity: %w", err)
	}

	return out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]domain.ChatConversation, error) {
	req := (&transport.Request{Method: http.MethodGet, Path: "/chat/conversations"}).Bypass()

	var out []domain.ChatConversation
	if err := c.read(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	return out, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	req := (&transport.Request{Method: http.MethodGet, Path: "/chat/unread-count"}).Bypass()

	var out struct {
		Count int `json:"count"`
	}
	if err := c.read(ctx, req, &out); err != nil {
		return 0, fmt.Errorf("load unread count: %w", err)
	}

	return out.Count, nil
}

// Messages returns one page of history, newest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit, offset int) ([]domain.ChatMessage, error) {
	req := (&transport.Request{
		Method: http.MethodGet,
		Path:   conversationPath(conversationID) + "/messages",
		Query:  url.Values{"limit": {strconv.Itoa(limit)}, "offset": {strconv.Itoa(offset)}},
	}).Bypass()

	var out []domain.ChatMessage
	if err := c.read(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, other domain.Participant) (domain.ChatConversation, error) {
	body := map[string]string{"participantId": other.ID, "participantType": string(other.Type)}

	var out domain.ChatConversation
	if err := c.send(ctx, http.MethodPost, "/chat/conversations", body, &out); err != nil {
		return domain.ChatConversation{}, fmt.Errorf("create conversation: %w", err)
	}

	return out, nil
}

// SendMessage is the request/response path used while the duplex channel is down.
func (c *Client) SendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	var out domain.ChatMessage
	if err := c.send(ctx, http.MethodPost, conversationPath(msg.ConversationID)+"/messages", msg, &out); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("send message: %w", err)
	}
	if out.ID == "" {
		out = msg
	}

	return out, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	req := (&transport.Request{Method: http.MethodPost, Path: conversationPath(conversationID) + "/read"}).Invalidates("/chat/unread-count")
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}

	return nil
}

func conversationPath(id string) string {
	return "/chat/conversations/" + url.PathEscape(id)
}

func (c *Client) read(ctx context.Context, req *transport.Request, out any) error {
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return err
	}

	return resp.Decode(out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	req, err := transport.JSONRequest(method, path, body)
	if err != nil {
		return err
	}

	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, req *transport.Request, out any) error {
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		c.logger.Debug("mutation failed", "method", req.Method, "path", req.Path, "error", err)

		return err
	}
	if out == nil {
		return nil
	}

	return resp.Decode(out)
}
