package domain

// ============================================================
// Ops auth: Request / Response types
// ============================================================

// TokenRequest is the body for POST /v1/auth/token (client credentials).
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse is the body for 200 from POST /v1/auth/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
