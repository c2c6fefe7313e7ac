// Package settle is a Go client for the OpenMCP Pay settlement API. Every
// request is signed with the caller's secp256k1 key using an EIP-191 personal
// signature over keccak256(method ‖ path ‖ timestamp ‖ body).
package settle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Request headers understood by the server.
const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Client wraps the HTTP interactions with the settlement REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	address    common.Address
	now        func() time.Time
}

// APIError represents a rejection returned by the server. Reason is the
// user-facing message.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("settle api error (%d): %s - %s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("settle api error (%d): %s", e.StatusCode, e.Reason)
}

// NewClient instantiates a client that signs requests with key. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, key *ecdsa.PrivateKey, httpClient *http.Client) (*Client, error) {
	if key == nil {
		return nil, errors.New("settle: signing key is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		now:        time.Now,
	}, nil
}

// Address returns the caller address derived from the signing key.
func (c *Client) Address() common.Address {
	return c.address
}

// Sign produces the X-Signature value for a request.
func Sign(key *ecdsa.PrivateKey, method, requestPath, timestamp string, body []byte) (string, error) {
	digest := crypto.Keccak256([]byte(method), []byte(requestPath), []byte(timestamp), body)
	sig, err := crypto.Sign(accounts.TextHash(digest), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, nil, payload, out)
}

func (c *Client) put(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPut, endpoint, nil, payload, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	return c.send(ctx, http.MethodGet, endpoint, query, nil, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	return c.send(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = encoded
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	signature, err := Sign(c.key, method, u.Path, timestamp, body)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(HeaderCaller, c.address.Hex())
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Reason == "" {
			apiErr.Reason = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodeProof(proof []byte) string {
	if len(proof) == 0 {
		return ""
	}
	return hexutil.Encode(proof)
}
