// Package wings talks to the node agents. Every call carries a short-lived
// HS256 assertion signed with the target node's own token.
package wings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultTokenTTL = time.Minute

	maxResponseBytes = 4 << 20
)

const (
	OpCreateBackup  = "backup.create"
	OpDeleteBackup  = "backup.delete"
	OpRestoreBackup = "backup.restore"
	OpListBackups   = "backup.list"
)

var errNoCredential = errors.New("node has no trust credential")

// CredentialStore resolves a node to its address and trust credential.
type CredentialStore interface {
	GetNode(ctx context.Context, id string) (model.Node, error)
}

// Error is returned for every failed remote call.
type Error struct {
	NodeID     string
	Op         string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wings node %s: %s", e.NodeID, e.Op)
	switch {
	case e.Timeout:
		b.WriteString(": timed out")
	case e.StatusCode != 0:
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() apperr.Kind { return apperr.KindUpstream }

// NotFound reports whether the agent answered 404.
func (e *Error) NotFound() bool { return e.StatusCode == http.StatusNotFound }

type Client struct {
	nodes    CredentialStore
	http     *http.Client
	timeout  time.Duration
	tokenTTL time.Duration
	now      func() time.Time
}

type Options struct {
	Timeout    time.Duration
	TokenTTL   time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

func New(nodes CredentialStore, opts Options) *Client {
	c := &Client{
		nodes:    nodes,
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
		tokenTTL: opts.TokenTTL,
		now:      opts.Now,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.tokenTTL <= 0 {
		c.tokenTTL = DefaultTokenTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// AssertionClaims is the payload of the per-call trust assertion.
type AssertionClaims struct {
	jwt.RegisteredClaims
}

// Sign issues the trust assertion for one operation against node.
func (c *Client) Sign(node model.Node, op string) (string, error) {
	if node.Token == "" || node.TokenID == "" {
		return "", errNoCredential
	}
	now := c.now()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleet-panel",
			Subject:   op,
			Audience:  jwt.ClaimStrings{node.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = node.TokenID
	return token.SignedString([]byte(node.Token))
}

// VerifyAssertion checks a token produced by Sign for node, the way an
// agent does.
func VerifyAssertion(tokenString string, node model.Node, now time.Time) (*AssertionClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &AssertionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != node.TokenID {
			return nil, errors.New("unknown key id")
		}
		return []byte(node.Token), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(node.ID),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AssertionClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

func (c *Client) do(ctx context.Context, nodeID, op, method, path string, body, out any) error {
	node, err := c.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	fail := func(status int, err error) error {
		return &Error{NodeID: nodeID, Op: op, StatusCode: status, Timeout: isTimeout(err), Err: err}
	}

	token, err := c.Sign(node, op)
	if err != nil {
		return fail(0, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(0, err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(node.BaseURL, "/")+path, reader)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, errors.New(remoteMessage(data, resp.Status)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func remoteMessage(data []byte, status string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return status
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func serverPath(serverUUID string, parts ...string) string {
	p := "/api/servers/" + url.PathEscape(serverUUID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
