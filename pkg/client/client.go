package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProofIdentifier is the proof scheme requested from the register.
const ProofIdentifier = "merkle:sha-256"

var (
	// ErrNotFound is returned when the register responds 404.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned when the register rejects the request with 400.
	ErrBadRequest = errors.New("bad request")
)

// Entry is one position in the log. Every field except EntryNumber is nil
// for an empty entry.
type Entry struct {
	EntryNumber    int64   `json:"entry-number"`
	EntryTimestamp *string `json:"entry-timestamp"`
	ItemHash       *string `json:"item-hash"`
	Key            *string `json:"key"`
	ItemSignature  *string `json:"item-signature"`
}

// Record is the latest entry for a key with its item.
type Record struct {
	EntryNumber    int64          `json:"entry-number"`
	EntryTimestamp string         `json:"entry-timestamp"`
	ItemHash       string         `json:"item-hash"`
	Key            string         `json:"key"`
	Item           map[string]any `json:"item"`
}

// TreeHead is the register proof: the size and root hash of the tree.
type TreeHead struct {
	ProofIdentifier string `json:"proof-identifier"`
	TreeSize        int64  `json:"tree-size"`
	Timestamp       string `json:"timestamp"`
	RootHash        string `json:"root-hash"`
}

// EntryProof is the audit path of one entry.
type EntryProof struct {
	ProofIdentifier string   `json:"proof-identifier"`
	EntryNumber     int64    `json:"entry-number"`
	AuditPath       []string `json:"merkle-audit-path"`
}

// ConsistencyProof links two tree sizes.
type ConsistencyProof struct {
	ProofIdentifier string   `json:"proof-identifier"`
	Nodes           []string `json:"merkle-consistency-nodes"`
}

// Summary is the register overview.
type Summary struct {
	Domain         string         `json:"domain"`
	LastUpdated    *string        `json:"last-updated"`
	RegisterRecord map[string]any `json:"register-record"`
	TotalEntries   int64          `json:"total-entries"`
	TotalItems     int64          `json:"total-items"`
	TotalRecords   int64          `json:"total-records"`
}

// Envelope is a signed item submitted for appending.
type Envelope struct {
	Item          map[string]any `json:"item"`
	ItemHash      string         `json:"item-hash"`
	ItemSignature string         `json:"item-signature"`
}

// AppendResult pairs a submitted item hash with its new entry number.
type AppendResult struct {
	ItemHash    string `json:"item-hash"`
	EntryNumber int64  `json:"entry-number"`
}

// RepublishResult reports which entries were re-emitted.
type RepublishResult struct {
	Republished []int64 `json:"republished_entries"`
	NotFound    []int64 `json:"entries_not_found"`
}

// Client talks to one register.
type Client struct {
	base       string
	httpClient *http.Client
	userAgent  string
	items      *itemCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithItemCache keeps fetched items in memory for ttl.
func WithItemCache(ttl time.Duration) Option {
	return func(c *Client) error {
		c.items = newItemCache(ttl)
		return nil
	}
}

// WithUserAgent sets the User-Agent header of every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the register at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithItemCache(10*time.Minute),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse register URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "openregister-client",
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Summary fetches GET /register.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var out Summary
	if err := c.getJSON(ctx, "/register", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entry fetches one entry.
func (c *Client) Entry(ctx context.Context, number int64) (*Entry, error) {
	var out Entry
	if err := c.getJSON(ctx, "/entry/"+strconv.FormatInt(number, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entries fetches a page of entries, newest first.
func (c *Client) Entries(ctx context.Context, start, limit int64) ([]Entry, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("limit", strconv.FormatInt(limit, 10))
	var out []Entry
	if err := c.getJSON(ctx, "/entries?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Item fetches the item stored under hash.
func (c *Client) Item(ctx context.Context, hash string) (map[string]any, error) {
	if c.items != nil {
		if item, ok := c.items.get(hash); ok {
			return item, nil
		}
	}
	var out map[string]any
	if err := c.getJSON(ctx, "/item/"+url.PathEscape(hash), &out); err != nil {
		return nil, err
	}
	if c.items != nil {
		c.items.set(hash, out)
	}
	return out, nil
}

// Record fetches the latest record for key.
func (c *Client) Record(ctx context.Context, key string) (*Record, error) {
	var out Record
	if err := c.getJSON(ctx, "/record/"+url.PathEscape(key), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TreeHead fetches the current register proof.
func (c *Client) TreeHead(ctx context.Context) (*TreeHead, error) {
	var out TreeHead
	if err := c.getJSON(ctx, "/proof/register/"+ProofIdentifier, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EntryProof fetches the audit path of entry number in a tree of treeSize.
func (c *Client) EntryProof(ctx context.Context, number, treeSize int64) (*EntryProof, error) {
	path := fmt.Sprintf("/proof/entry/%d/%d/%s", number, treeSize, ProofIdentifier)
	var out EntryProof
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConsistencyProof fetches the proof between two tree sizes.
func (c *Client) ConsistencyProof(ctx context.Context, older, newer int64) (*ConsistencyProof, error) {
	path := fmt.Sprintf("/proof/consistency/%d/%d/%s", older, newer, ProofIdentifier)
	var out ConsistencyProof
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddRecord appends one envelope and returns its entry number.
func (c *Client) AddRecord(ctx context.Context, env Envelope) (int64, error) {
	var out struct {
		EntryNumber int64 `json:"entry_number"`
	}
	if err := c.postJSON(ctx, "/record", env, &out); err != nil {
		return 0, err
	}
	return out.EntryNumber, nil
}

// AddRecords appends every envelope in one unit of work.
func (c *Client) AddRecords(ctx context.Context, envs []Envelope) ([]AppendResult, error) {
	var out []AppendResult
	if err := c.postJSON(ctx, "/records", envs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Republish asks the register to re-emit change events for entries. Entries
// that were not found are listed in the result; the call still succeeds.
func (c *Client) Republish(ctx context.Context, entries []int64, routingKey string) (*RepublishResult, error) {
	body := map[string]any{"entries": entries, "routing_key": routingKey}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/entries/republish", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	status, respBody, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return nil, statusError(req, status, respBody)
	}
	var out RepublishResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decode(body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decode(body, out)
}

func decode(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, statusError(req, status, body)
	}
	return body, nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body, error)
// without failing on 4xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func statusError(req *http.Request, status int, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("server error %d: %s", status, strings.TrimSpace(string(body)))
}

type cacheEntry struct {
	item      map[string]any
	expiresAt time.Time
}

type itemCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newItemCache(ttl time.Duration) *itemCache {
	return &itemCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (ic *itemCache) get(hash string) (map[string]any, bool) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	e, ok := ic.entries[hash]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.item, true
}

func (ic *itemCache) set(hash string, item map[string]any) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.entries[hash] = &cacheEntry{item: item, expiresAt: time.Now().Add(ic.ttl)}
}
