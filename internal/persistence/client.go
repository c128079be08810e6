package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"signsync/internal/signing"
)

const defaultRequestTimeout = 15 * time.Second

var (
	errMissingBaseURL = errors.New("persistence: base url is required")
)

// RequestError reports a failed backend call. Every persistence failure is
// transient from the caller's point of view: drafts roll back, position and
// delete calls self-heal on the next sync.
type RequestError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// TokenProvider supplies the bearer token attached to API calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ClientConfig configures the signature persistence client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
	Logger     *zap.Logger
}

// Client wraps the signature persistence REST surface: create-draft,
// update-position, delete, and finalize.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	logger  *zap.Logger
}

// NewClient constructs a persistence client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  cfg.Tokens,
		logger:  logger,
	}, nil
}

// PositionUpdate carries the geometry fields of a position patch.
type PositionUpdate struct {
	PositionX  float64 `json:"positionX"`
	PositionY  float64 `json:"positionY"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	PageNumber int     `json:"pageNumber"`
}

// CreateDraft persists a draft placement. The client-generated UUID is sent
// as the record ID; the backend either adopts it as canonical or returns a
// replacement server-issued ID.
func (c *Client) CreateDraft(ctx context.Context, placement signing.SignaturePlacement) (signing.SignaturePlacement, error) {
	path := fmt.Sprintf("/api/signatures/draft/%s", placement.DocumentID)
	var wire signing.WireSignature
	if err := c.do(ctx, http.MethodPost, path, signing.ToWire(placement), &wire, "persistence.create_draft"); err != nil {
		return signing.SignaturePlacement{}, err
	}
	created, err := wire.Normalize(signing.StatusDraft)
	if err != nil {
		return signing.SignaturePlacement{}, &RequestError{Operation: "persistence.create_draft", Err: err}
	}
	return created, nil
}

// UpdatePosition patches a placement's geometry. Best effort: callers log
// and absorb failures.
func (c *Client) UpdatePosition(ctx context.Context, id signing.PlacementID, update PositionUpdate) error {
	path := fmt.Sprintf("/api/signatures/%s/position", id)
	return c.do(ctx, http.MethodPatch, path, update, nil, "persistence.update_position")
}

// DeleteDraft removes a draft record.
func (c *Client) DeleteDraft(ctx context.Context, id signing.PlacementID) error {
	path := fmt.Sprintf("/api/signatures/%s", id)
	return c.do(ctx, http.MethodDelete, path, nil, nil, "persistence.delete_draft")
}

// Finalize promotes the caller's draft on the document to a final signature
// and returns the final record.
func (c *Client) Finalize(ctx context.Context, documentID signing.DocumentID, draftID signing.PlacementID) (signing.SignaturePlacement, error) {
	path := fmt.Sprintf("/api/signatures/%s/sign", documentID)
	body := map[string]string{"signatureId": draftID.String()}
	var wire signing.WireSignature
	if err := c.do(ctx, http.MethodPost, path, body, &wire, "persistence.finalize"); err != nil {
		return signing.SignaturePlacement{}, err
	}
	final, err := wire.Normalize(signing.StatusFinal)
	if err != nil {
		return signing.SignaturePlacement{}, &RequestError{Operation: "persistence.finalize", Err: err}
	}
	return final, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, operation string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Operation: operation, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestError{Operation: operation, Err: err}
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &RequestError{Operation: operation, Err: err}
		}
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.http.Do(request)
	if err != nil {
		return &RequestError{Operation: operation, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &RequestError{Operation: operation, StatusCode: response.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &RequestError{Operation: operation, Err: err}
	}
	return nil
}
