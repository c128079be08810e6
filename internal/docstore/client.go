package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"signsync/internal/signing"
)

const defaultRequestTimeout = 15 * time.Second

// Document statuses that end the signing session. A terminal document keeps
// no local placements and accepts no further mutation.
const (
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

var (
	errMissingBaseURL = errors.New("docstore: base url is required")
	// ErrDocumentNotFound indicates the backend has no such document.
	ErrDocumentNotFound = errors.New("docstore: document not found")
)

// Document is the normalized document metadata consumed by a session.
// Signature records are already partitioned and canonicalized; nothing past
// this boundary branches on wire field spellings.
type Document struct {
	ID               signing.DocumentID
	Status           string
	CurrentVersionID string
	Finals           []signing.SignaturePlacement
	Drafts           []signing.SignaturePlacement
}

// Terminal reports whether the document has left the active signing state.
func (d Document) Terminal() bool {
	switch strings.ToLower(d.Status) {
	case StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// ClientConfig configures the document store client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
	Logger     *zap.Logger
}

// TokenProvider supplies the bearer token attached to document fetches.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client fetches document and version metadata.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	logger  *zap.Logger
}

// NewClient constructs a document store client.
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

type wireVersion struct {
	ID                 signing.FlexibleID      `json:"id"`
	SignaturesPersonal []signing.WireSignature `json:"signaturesPersonal"`
	SignaturesGroup    []signing.WireSignature `json:"signaturesGroup"`
}

type wireDocument struct {
	ID             signing.FlexibleID `json:"id"`
	Status         string             `json:"status"`
	CurrentVersion wireVersion        `json:"currentVersion"`
}

// GetDocument fetches and normalizes a document. The call is cancellable via
// ctx; callers must discard results fetched for a superseded document
// context.
func (c *Client) GetDocument(ctx context.Context, documentID signing.DocumentID) (Document, error) {
	url := fmt.Sprintf("%s/api/documents/%s", c.baseURL, documentID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, err
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return Document{}, err
		}
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.http.Do(request)
	if err != nil {
		return Document{}, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Document{}, fmt.Errorf("docstore: get document %s: status %d", documentID, response.StatusCode)
	}

	var wire wireDocument
	if err := json.NewDecoder(response.Body).Decode(&wire); err != nil {
		return Document{}, err
	}
	return c.normalize(wire), nil
}

// normalize partitions the version's signature arrays into finals and drafts
// by their normalized status. Personal signatures default to final, group
// records default to draft; an explicit status field wins either way.
// Records without a resolvable owner are dropped, not propagated.
func (c *Client) normalize(wire wireDocument) Document {
	document := Document{
		ID:               signing.DocumentID(wire.ID.String()),
		Status:           strings.ToLower(strings.TrimSpace(wire.Status)),
		CurrentVersionID: wire.CurrentVersion.ID.String(),
	}

	ingest := func(records []signing.WireSignature, fallback signing.PlacementStatus) {
		for _, raw := range records {
			record, err := raw.Normalize(fallback)
			if err != nil {
				c.logger.Warn("dropping malformed signature record",
					zap.String("document_id", document.ID.String()),
					zap.Error(err))
				continue
			}
			if record.DocumentID == "" {
				record.DocumentID = document.ID
			}
			if record.DocumentVersionID == "" {
				record.DocumentVersionID = document.CurrentVersionID
			}
			if record.Status == signing.StatusFinal {
				document.Finals = append(document.Finals, record)
			} else {
				document.Drafts = append(document.Drafts, record)
			}
		}
	}

	ingest(wire.CurrentVersion.SignaturesPersonal, signing.StatusFinal)
	ingest(wire.CurrentVersion.SignaturesGroup, signing.StatusDraft)
	return document
}
