package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rowjay/bchain/internal/config"
)

// Event describes the outcome of one backup, verify or restore run.
type Event struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	BackupID  string    `json:"backup_id,omitempty"`
	Services  []string  `json:"services,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Duration  string    `json:"duration"`
	Error     string    `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// NewEvent stamps a finished operation with a fresh id.
func NewEvent(operation string, started time.Time, err error) Event {
	ended := time.Now()
	e := Event{
		ID:        uuid.NewString(),
		Operation: operation,
		Status:    StatusSuccess,
		StartedAt: started.UTC(),
		EndedAt:   ended.UTC(),
		Duration:  ended.Sub(started).Round(time.Millisecond).String(),
	}
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	return e
}

func (e Event) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Status, e.Message)
	if e.BackupID != "" {
		fmt.Fprintf(&b, " (backup %s)", e.BackupID)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every target and joins their errors.
type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return post(ctx, "webhook "+w.Name, w.URL, body, w.Headers)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(map[string]string{"text": event.text()})
	if err != nil {
		return err
	}
	return post(ctx, "mattermost "+m.Name, m.URL, body, nil)
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	// The event id doubles as the transaction id so retries are idempotent.
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		strings.TrimRight(m.ServerURL, "/"), url.PathEscape(m.RoomID), url.PathEscape(event.ID))
	body, err := json.Marshal(map[string]any{"msgtype": "m.text", "body": event.text()})
	if err != nil {
		return err
	}
	return send(ctx, http.MethodPut, "matrix "+m.Name, endpoint, body, map[string]string{"Authorization": "Bearer " + m.AccessToken})
}

func FromConfig(cfg config.NotificationsConfig) Multi {
	var targets []Notifier
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Multi{Targets: targets}
}

func post(ctx context.Context, name, target string, body []byte, headers map[string]string) error {
	return send(ctx, http.MethodPost, name, target, body, headers)
}

func send(ctx context.Context, method, name, target string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", name, resp.Status)
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
