package lichess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited is returned when the game service throttles us.
var ErrRateLimited = errors.New("game service rate limited")

// ErrUserNotFound is returned for unknown usernames.
var ErrUserNotFound = errors.New("game service user not found")

// Client talks to the external game service over its REST API. Every call is
// authenticated with a per-user bearer token supplied by the caller.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *zap.SugaredLogger
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}
}

// CreateChallengeRequest is the wire body for challenge creation. The caller
// decides the framing (color, clock limit); this type only carries it.
type CreateChallengeRequest struct {
	Rated   bool           `json:"rated"`
	Clock   ChallengeClock `json:"clock"`
	Color   string         `json:"color"`
	Variant string         `json:"variant"`
	Rules   string         `json:"rules"`
}

// ChallengeClock is the clock section of a challenge request.
type ChallengeClock struct {
	Limit     int `json:"limit"`
	Increment int `json:"increment"`
}

type challengeResponse struct {
	Challenge struct {
		ID string `json:"id"`
	} `json:"challenge"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// AccountInfo is the authenticated account lookup response.
type AccountInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// PublicUser is the public profile of a game-service user.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}

func (c *Client) post(ctx context.Context, token, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("game service %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("game service %s: decode response: %w", path, err)
		}
	}
	return nil
}

// CreateChallenge creates a challenge against opponent and returns the
// external challenge id.
func (c *Client) CreateChallenge(ctx context.Context, token, opponent string, req CreateChallengeRequest) (string, error) {
	var out challengeResponse
	if err := c.post(ctx, token, "/api/challenge/"+opponent, req, &out); err != nil {
		return "", err
	}
	if out.Challenge.ID == "" {
		return "", fmt.Errorf("game service returned empty challenge id for %s", opponent)
	}
	c.log.Infow("created game challenge", "opponent", opponent, "challengeId", out.Challenge.ID)
	return out.Challenge.ID, nil
}

// AcceptChallenge accepts a pending challenge as the token's owner.
func (c *Client) AcceptChallenge(ctx context.Context, token, challengeID string) error {
	var out okResponse
	if err := c.post(ctx, token, "/api/challenge/"+challengeID+"/accept", nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("game service rejected accept of challenge %s", challengeID)
	}
	return nil
}

// AddTime adds seconds to the clock of the token owner's opponent.
func (c *Client) AddTime(ctx context.Context, token, gameID string, seconds int) error {
	var out okResponse
	path := fmt.Sprintf("/api/round/%s/add-time/%d", gameID, seconds)
	if err := c.post(ctx, token, path, nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("game service rejected add-time on game %s", gameID)
	}
	return nil
}

// Account resolves a bearer token to its account username.
func (c *Client) Account(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/account", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("game service account lookup: status %d", resp.StatusCode)
	}
	var acct AccountInfo
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return "", fmt.Errorf("game service account lookup: decode response: %w", err)
	}
	if acct.Username == "" {
		return "", errors.New("game service account lookup: empty username")
	}
	return acct.Username, nil
}

// User fetches a public profile.
func (c *Client) User(ctx context.Context, username string) (*PublicUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user/"+username, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUserNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("game service user lookup: status %d", resp.StatusCode)
	}
	var u PublicUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("game service user lookup: decode response: %w", err)
	}
	return &u, nil
}
