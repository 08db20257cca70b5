package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const twitchValidateURL = "https://id.twitch.tv/oauth2/validate"

// Validation is what the token introspection endpoint reports.
type Validation struct {
	Login     string
	UserID    string
	ClientID  string
	ExpiresIn time.Duration
}

// Validator checks a user access token against Twitch. Zero values use the
// production endpoint and http.DefaultClient.
type Validator struct {
	URL  string
	HTTP *http.Client
}

// ChannelIDFor returns the token owner's user id when channel is their own
// channel, the broadcaster case, and "" otherwise.
func (v Validation) ChannelIDFor(channel string) string {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if channel == "" || channel != v.Login {
		return ""
	}
	return v.UserID
}

func (v Validator) Validate(ctx context.Context, token string) (Validation, error) {
	token = BearerToken(token)
	if token == "" {
		return Validation{}, ErrEmptyToken
	}
	endpoint := v.URL
	if endpoint == "" {
		endpoint = twitchValidateURL
	}
	client := v.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Validation{}, errors.Wrap(err, "session: build validate request")
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := client.Do(req)
	if err != nil {
		return Validation{}, errors.Wrap(err, "session: validate token")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Validation{}, errors.Errorf("session: validate status %d", resp.StatusCode)
	}

	var body struct {
		Login     string `json:"login"`
		UserID    string `json:"user_id"`
		ClientID  string `json:"client_id"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Validation{}, errors.Wrap(err, "session: decode validate response")
	}
	if strings.TrimSpace(body.Login) == "" {
		return Validation{}, errors.New("session: token has no login")
	}
	return Validation{
		Login:     strings.ToLower(body.Login),
		UserID:    body.UserID,
		ClientID:  body.ClientID,
		ExpiresIn: time.Duration(body.ExpiresIn) * time.Second,
	}, nil
}
