package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// fetchUserInfo gets the userinfo document using the session's access token.
// The caller maps non-2xx statuses onto navigation outcomes.
func (f *Flow) fetchUserInfo(ctx context.Context) (map[string]interface{}, int, error) {
	const op = "Flow.fetchUserInfo"
	if f.wellKnown.UserInfoEndpoint == "" {
		return nil, 0, fmt.Errorf("%s: userinfo_endpoint is empty: %w", op, ErrUserInfoFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.wellKnown.UserInfoEndpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+f.Token())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: userinfo request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("%s: userinfo returned %d: %w", op, resp.StatusCode, ErrUserInfoFailed)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s: unable to read userinfo response: %w", op, err)
	}
	claims := map[string]interface{}{}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s: unable to decode userinfo response: %w", op, err)
	}
	return claims, resp.StatusCode, nil
}
