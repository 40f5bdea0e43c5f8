package wings

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	OpConsole = "websocket.connect"

	ConsoleTokenTTL = 10 * time.Minute
)

// ConsoleClaims authorize a browser to open a server's console socket on
// the node directly.
type ConsoleClaims struct {
	ServerUUID  string   `json:"server_uuid"`
	UserID      string   `json:"user_uuid"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

type ConsoleCredentials struct {
	Token     string    `json:"token"`
	Socket    string    `json:"socket"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ConsoleCredentials signs a console token for userID with the node's
// credential. No request is made to the node.
func (c *Client) ConsoleCredentials(ctx context.Context, nodeID, serverUUID, userID string, perms []string) (ConsoleCredentials, error) {
	node, err := c.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return ConsoleCredentials{}, err
	}
	if node.Token == "" || node.TokenID == "" {
		return ConsoleCredentials{}, &Error{NodeID: nodeID, Op: OpConsole, Err: errNoCredential}
	}

	now := c.now()
	expires := now.Add(ConsoleTokenTTL)
	claims := ConsoleClaims{
		ServerUUID:  serverUUID,
		UserID:      userID,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleet-panel",
			Subject:   OpConsole,
			Audience:  jwt.ClaimStrings{node.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = node.TokenID
	signed, err := token.SignedString([]byte(node.Token))
	if err != nil {
		return ConsoleCredentials{}, &Error{NodeID: nodeID, Op: OpConsole, Err: err}
	}

	socket, err := consoleURL(node.BaseURL, serverUUID)
	if err != nil {
		return ConsoleCredentials{}, &Error{NodeID: nodeID, Op: OpConsole, Err: err}
	}
	return ConsoleCredentials{Token: signed, Socket: socket, ExpiresAt: expires}, nil
}

func consoleURL(baseURL, serverUUID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String() + serverPath(serverUUID, "ws"), nil
}
