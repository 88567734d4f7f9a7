// Package imis talks to the membership platform's REST entity API: paged
// reads of stored query results and entity collections, single-entity
// inserts, custom-endpoint inserts, and entity metadata. Credentials come
// exclusively from the session store; the client exchanges them for a bearer
// token per environment and caches it until shortly before expiry.
package imis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

const (
	genericEntityType      = "Asi.Soa.Core.DataContracts.GenericEntityData, Asi.Contracts"
	genericPropertiesType  = "Asi.Soa.Core.DataContracts.GenericPropertyDataCollection, Asi.Contracts"
	identityElementsPath   = "Identity.IdentityElements.$values"
	tokenExpirySlack       = 60 * time.Second
	defaultInsertRetries   = 3
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultRequestTimeout  = 30 * time.Second
)

// Config tunes the client. Zero values fall back to defaults.
type Config struct {
	Timeout        time.Duration
	InsertRetries  uint64
	InitialBackoff time.Duration
}

// Page is one slice of a remote result set plus its total-count metadata.
type Page struct {
	Rows       []map[string]interface{}
	Offset     int64
	TotalCount int64
}

type accessToken struct {
	value     string
	expiresAt time.Time
}

type Client struct {
	httpClient *http.Client
	sessions   session.Store
	cfg        Config
	logger     zerolog.Logger

	mu     sync.Mutex
	tokens map[string]accessToken // keyed by environment id
}

func NewClient(sessions session.Store, cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.InsertRetries == 0 {
		cfg.InsertRetries = defaultInsertRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger.With().Str("component", "imis_client").Logger(),
		tokens:     make(map[string]accessToken),
	}
}

// InsertRetries exposes how many extra tries the insert path performs after
// a transient failure; callers use it to size their audit trail expectations.
func (c *Client) InsertRetries() int {
	return int(c.cfg.InsertRetries)
}

// FetchQueryPage reads one page of a stored query's result set.
func (c *Client) FetchQueryPage(ctx context.Context, env models.Environment, queryPath string, limit, offset int64) (*Page, error) {
	u := fmt.Sprintf("%s/api/query?QueryName=%s&Limit=%d&Offset=%d",
		strings.TrimRight(env.BaseURL, "/"), url.QueryEscape(queryPath), limit, offset)
	return c.fetchPage(ctx, env, u, "fetch query page")
}

// FetchEntityPage reads one page of a raw entity collection.
func (c *Client) FetchEntityPage(ctx context.Context, env models.Environment, entityType string, limit, offset int64) (*Page, error) {
	u := fmt.Sprintf("%s/api/%s?Limit=%d&Offset=%d",
		strings.TrimRight(env.BaseURL, "/"), url.PathEscape(entityType), limit, offset)
	return c.fetchPage(ctx, env, u, "fetch entity page")
}

func (c *Client) fetchPage(ctx context.Context, env models.Environment, u, op string) (*Page, error) {
	body, err := c.do(ctx, env, http.MethodGet, u, nil, op)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Items struct {
			Values []map[string]interface{} `json:"$values"`
		} `json:"Items"`
		TotalCount int64 `json:"TotalCount"`
		Offset     int64 `json:"Offset"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &APIError{Kind: ErrorKindSchema, Op: op, Err: err}
	}
	return &Page{
		Rows:       envelope.Items.Values,
		Offset:     envelope.Offset,
		TotalCount: envelope.TotalCount,
	}, nil
}

// InsertEntity creates one structured entity. parentEntityType/parentID bind
// the new entity into the destination's ownership tree; standalone business
// objects pass ParentTypeStandalone and an empty parent id.
func (c *Client) InsertEntity(ctx context.Context, env models.Environment, entityType, parentEntityType, parentID string, properties map[string]interface{}) ([]string, error) {
	u := fmt.Sprintf("%s/api/%s", strings.TrimRight(env.BaseURL, "/"), url.PathEscape(entityType))
	payload := genericEntityBody(entityType, parentEntityType, parentID, properties)

	return c.insertWithRetry(ctx, "insert entity", func() ([]string, error) {
		body, err := c.do(ctx, env, http.MethodPost, u, payload, "insert entity")
		if err != nil {
			return nil, err
		}
		elements := identityElementsFromResponse(body)
		if len(elements) == 0 {
			return nil, &APIError{Kind: ErrorKindSchema, Op: "insert entity", Err: fmt.Errorf("response carries no identity elements")}
		}
		return elements, nil
	})
}

// InsertCustomEndpoint posts a prebuilt body to a vendor endpoint path.
// Custom endpoints are free to answer without identity elements.
func (c *Client) InsertCustomEndpoint(ctx context.Context, env models.Environment, path string, payload interface{}) ([]string, error) {
	u := strings.TrimRight(env.BaseURL, "/") + path
	return c.insertWithRetry(ctx, "insert custom endpoint", func() ([]string, error) {
		body, err := c.do(ctx, env, http.MethodPost, u, payload, "insert custom endpoint")
		if err != nil {
			return nil, err
		}
		return identityElementsFromResponse(body), nil
	})
}

// FetchIdentityFields returns the names of the destination entity's
// identity-forming properties.
func (c *Client) FetchIdentityFields(ctx context.Context, env models.Environment, entityType string) ([]string, error) {
	u := fmt.Sprintf("%s/api/metadata/%s", strings.TrimRight(env.BaseURL, "/"), url.PathEscape(entityType))
	body, err := c.do(ctx, env, http.MethodGet, u, nil, "fetch identity fields")
	if err != nil {
		return nil, err
	}

	var fields []string
	for _, prop := range gjson.GetBytes(body, "Properties.$values").Array() {
		if prop.Get("IsIdentity").Bool() {
			fields = append(fields, prop.Get("Name").String())
		}
	}
	return fields, nil
}

// ParentTypeStandalone is the parent relationship used for root business
// objects, the only relationship this system writes.
const ParentTypeStandalone = "Standalone"

// insertWithRetry runs op under the client's internal bounded retry,
// retrying only transient failures. On final failure the returned error is an
// *InsertError carrying how many tries were actually performed.
func (c *Client) insertWithRetry(ctx context.Context, op string, insert func() ([]string, error)) ([]string, error) {
	var (
		elements []string
		attempts int
	)
	operation := func() error {
		attempts++
		result, err := insert()
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		elements = result
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.InsertRetries), ctx), func(err error, d time.Duration) {
		c.logger.Warn().Err(err).Str("op", op).Dur("retry_in", d).Msg("transient insert failure, retrying")
	})
	if err != nil {
		return nil, &InsertError{Attempts: attempts, Err: err}
	}
	return elements, nil
}

// do performs one authenticated request and classifies every failure mode.
func (c *Client) do(ctx context.Context, env models.Environment, method, u string, payload interface{}, op string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &APIError{Kind: ErrorKindRequest, Op: op, Err: err}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, &APIError{Kind: ErrorKindRequest, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token(ctx, env)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: ErrorKindRequest, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: ErrorKindRequest, Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Kind: ErrorKindResponse, Status: resp.StatusCode, Op: op, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}
	return body, nil
}

// token returns a cached bearer token for the environment, exchanging the
// session-store password for a fresh one when missing or near expiry.
func (c *Client) token(ctx context.Context, env models.Environment) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[env.ID]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	password, ok := c.sessions.Get(env.ID)
	if !ok {
		return "", session.ErrMissingCredentials
	}

	form := url.Values{
		"grant_type": {"password"},
		"username":   {env.Username},
		"password":   {password},
	}
	u := strings.TrimRight(env.BaseURL, "/") + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &APIError{Kind: ErrorKindRequest, Op: "request token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Kind: ErrorKindRequest, Op: "request token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &APIError{Kind: ErrorKindRequest, Op: "request token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Kind: ErrorKindResponse, Status: resp.StatusCode, Op: "request token", Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil || grant.AccessToken == "" {
		return "", &APIError{Kind: ErrorKindSchema, Op: "request token", Err: fmt.Errorf("token response did not parse")}
	}

	expiry := time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second).Add(-tokenExpirySlack)
	c.mu.Lock()
	c.tokens[env.ID] = accessToken{value: grant.AccessToken, expiresAt: expiry}
	c.mu.Unlock()

	c.logger.Debug().Str("environment", env.ID).Msg("refreshed access token")
	return grant.AccessToken, nil
}

// genericEntityBody shapes properties into the vendor's generic-entity
// contract. Property order is sorted so request bodies are deterministic.
func genericEntityBody(entityType, parentEntityType, parentID string, properties map[string]interface{}) map[string]interface{} {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		values = append(values, map[string]interface{}{
			"Name":  name,
			"Value": properties[name],
		})
	}

	body := map[string]interface{}{
		"$type":          genericEntityType,
		"EntityTypeName": entityType,
		"Properties": map[string]interface{}{
			"$type":   genericPropertiesType,
			"$values": values,
		},
	}
	if parentEntityType != "" && parentEntityType != ParentTypeStandalone {
		body["PrimaryParentEntityTypeName"] = parentEntityType
		body["PrimaryParentIdentity"] = map[string]interface{}{
			"EntityTypeName": parentEntityType,
			"IdentityElements": map[string]interface{}{
				"$values": []string{parentID},
			},
		}
	}
	return body
}

// identityElementsFromResponse digs the destination-assigned identity out of
// an insert response, tolerating both the generic-entity shape and the flat
// shape some custom endpoints answer with.
func identityElementsFromResponse(body []byte) []string {
	result := gjson.GetBytes(body, identityElementsPath)
	if !result.Exists() {
		result = gjson.GetBytes(body, "IdentityElements")
	}
	var elements []string
	for _, el := range result.Array() {
		elements = append(elements, el.String())
	}
	return elements
}
