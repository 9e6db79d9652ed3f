// Package notestore is a client for the AnkiConnect JSON protocol (version 6).
package notestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/starford/kioku/internal/apperr"
)

const (
	// DefaultEndpoint is where AnkiConnect listens out of the box.
	DefaultEndpoint = "http://127.0.0.1:8765"
	// MinVersion is the oldest protocol version the client speaks.
	MinVersion = 6

	maxResponseBytes = 16 << 20
)

// ActionError is an error string returned by the note store for one action,
// for example a duplicate note.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("notestore: %s: %s", e.Action, e.Message)
}

// Note is the payload of addNote and canAddNotes.
type Note struct {
	DeckName  string            `json:"deckName"`
	ModelName string            `json:"modelName"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags,omitempty"`
	Options   *NoteOptions      `json:"options,omitempty"`
}

// NoteOptions controls duplicate handling.
type NoteOptions struct {
	AllowDuplicate bool   `json:"allowDuplicate"`
	DuplicateScope string `json:"duplicateScope,omitempty"`
}

// NoteInfo is one entry of notesInfo.
type NoteInfo struct {
	NoteID    int64                `json:"noteId"`
	ModelName string               `json:"modelName"`
	Tags      []string             `json:"tags"`
	Fields    map[string]FieldInfo `json:"fields"`
}

// FieldInfo is a field value with its position in the model.
type FieldInfo struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

// Client talks to one AnkiConnect endpoint.
type Client struct {
	http   *http.Client
	logger *slog.Logger

	mu       sync.RWMutex
	endpoint string
}

// New creates a client. A nil httpClient gets a 30s timeout.
func New(endpoint string, httpClient *http.Client, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{endpoint: endpoint, http: httpClient, logger: logger}
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// SetEndpoint points the client at a new URL; in-flight calls keep the old one.
func (c *Client) SetEndpoint(endpoint string) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
}

type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

// Invoke sends one action and decodes its result into out (may be nil).
func (c *Client) Invoke(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: MinVersion, Params: params})
	if err != nil {
		return fmt.Errorf("notestore: encode %s: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return c.connErr(apperr.NotRunning, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("notestore: %s: %w", action, ctxErr)
		}
		return c.connErr(apperr.NotRunning, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.connErr(apperr.NotRunning, err)
	}
	c.logger.Debug("notestore: call",
		slog.String("action", action),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return c.connErr(apperr.PermissionDenied, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return c.connErr(apperr.AddonMissing, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return c.connErr(apperr.AddonMissing, fmt.Errorf("non-JSON reply: %w", err))
	}
	result, hasResult := envelope["result"]
	rawErr, hasErr := envelope["error"]
	if !hasResult || !hasErr {
		return c.connErr(apperr.AddonMissing, errors.New("reply lacks result/error envelope"))
	}

	var msg *string
	if err := json.Unmarshal(rawErr, &msg); err != nil {
		return c.connErr(apperr.AddonMissing, fmt.Errorf("decode error field: %w", err))
	}
	if msg != nil {
		return c.classify(action, *msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("notestore: decode %s result: %w", action, err)
	}
	return nil
}

func (c *Client) classify(action, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unsupported action"):
		return c.connErr(apperr.AddonMissing, fmt.Errorf("%s: %s", action, msg))
	case strings.Contains(lower, "permission"),
		strings.Contains(lower, "not allowed"),
		strings.Contains(lower, "cors"),
		strings.Contains(lower, "valid api key"):
		return c.connErr(apperr.PermissionDenied, fmt.Errorf("%s: %s", action, msg))
	default:
		return &ActionError{Action: action, Message: msg}
	}
}

func (c *Client) connErr(kind apperr.ConnectionKind, err error) error {
	return &apperr.ConnectionError{Kind: kind, Endpoint: c.Endpoint(), Err: err}
}

// Version returns the protocol version reported by the add-on.
func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.Invoke(ctx, "version", nil, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// Check verifies the add-on is reachable and speaks at least MinVersion.
func (c *Client) Check(ctx context.Context) error {
	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if v < MinVersion {
		return c.connErr(apperr.AddonMissing, fmt.Errorf("version %d is older than %d", v, MinVersion))
	}
	return nil
}

func (c *Client) DeckNames(ctx context.Context) ([]string, error) {
	var out []string
	err := c.Invoke(ctx, "deckNames", nil, &out)
	return out, err
}

func (c *Client) ModelNames(ctx context.Context) ([]string, error) {
	var out []string
	err := c.Invoke(ctx, "modelNames", nil, &out)
	return out, err
}

func (c *Client) ModelFieldNames(ctx context.Context, model string) ([]string, error) {
	var out []string
	err := c.Invoke(ctx, "modelFieldNames", map[string]string{"modelName": model}, &out)
	return out, err
}

// CanAddNotes reports for each note whether addNote would accept it.
func (c *Client) CanAddNotes(ctx context.Context, notes []Note) ([]bool, error) {
	var out []bool
	err := c.Invoke(ctx, "canAddNotes", map[string]any{"notes": notes}, &out)
	return out, err
}

// AddNote creates a note and returns its id.
func (c *Client) AddNote(ctx context.Context, note Note) (int64, error) {
	var id *int64
	if err := c.Invoke(ctx, "addNote", map[string]any{"note": note}, &id); err != nil {
		return 0, err
	}
	if id == nil {
		return 0, &ActionError{Action: "addNote", Message: "note was not created"}
	}
	return *id, nil
}

// StoreMediaFile uploads data under filename and returns the stored name.
func (c *Client) StoreMediaFile(ctx context.Context, filename string, data []byte) (string, error) {
	var stored string
	err := c.Invoke(ctx, "storeMediaFile", map[string]string{
		"filename": filename,
		"data":     base64.StdEncoding.EncodeToString(data),
	}, &stored)
	if err != nil {
		return "", err
	}
	if stored == "" {
		stored = filename
	}
	return stored, nil
}

// FindNotes runs a search query and returns matching note ids.
func (c *Client) FindNotes(ctx context.Context, query string) ([]int64, error) {
	var out []int64
	err := c.Invoke(ctx, "findNotes", map[string]string{"query": query}, &out)
	return out, err
}

func (c *Client) NotesInfo(ctx context.Context, ids []int64) ([]NoteInfo, error) {
	var out []NoteInfo
	err := c.Invoke(ctx, "notesInfo", map[string]any{"notes": ids}, &out)
	return out, err
}

// UpdateNoteFields overwrites the given fields of an existing note.
func (c *Client) UpdateNoteFields(ctx context.Context, id int64, fields map[string]string) error {
	return c.Invoke(ctx, "updateNoteFields", map[string]any{
		"note": map[string]any{"id": id, "fields": fields},
	}, nil)
}
