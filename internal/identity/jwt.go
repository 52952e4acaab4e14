package identity

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload this verifier expects: a user id and the list
// of workspaces the bearer may act on.
type Claims struct {
	UserID     string   `json:"userId"`
	Workspaces []string `json:"workspaces"`
	jwt.RegisteredClaims
}

// Config configures a Verifier.
type Config struct {
	JWTSigningKey   string
	LegacyAuthToken string
	AdminSecret     string
}

// handshakePayload is the wire shape of the optional handshake `payload`
// query parameter.
type handshakePayload struct {
	JWTToken    string `json:"jwtToken"`
	JWT         string `json:"jwt"`
	WorkspaceID string `json:"workspaceId"`
	AuthToken   string `json:"authToken"`
	Auth        string `json:"auth"`
	AdminSecret string `json:"adminSecret"`
}

// MalformedPayloadError means the raw bytes were not valid JSON. The
// handshake must close the channel with code 1003, distinct from an
// authorization rejection (code 1008).
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("identity: malformed handshake payload: %v", e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Verifier implements identity.Verifier with this precedence: JWT first;
// on JWT failure fall through to the legacy shared
// secret, then the admin secret. A provided-but-wrong legacy token or admin
// secret is a hard rejection (close 1008); an absent or invalid JWT alone is
// a soft failure that simply continues down the chain.
type Verifier struct {
	cfg Config
}

// NewVerifier constructs a Verifier from the server's configured secrets.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// VerifyPayload implements identity.Verifier.
func (v *Verifier) VerifyPayload(payload []byte) (AuthRecord, error) {
	if len(payload) == 0 {
		return AuthRecord{}, nil
	}

	var p handshakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return AuthRecord{}, &MalformedPayloadError{Err: err}
	}

	token := p.JWTToken
	if token == "" {
		token = p.JWT
	}

	if token != "" {
		if rec, ok := v.verifyJWT(token, p.WorkspaceID); ok {
			return rec, nil
		}
		// Invalid JWT alone is a soft failure: fall through.
	}

	legacy := p.AuthToken
	if legacy == "" {
		legacy = p.Auth
	}

	if legacy != "" {
		if v.cfg.LegacyAuthToken == "" || legacy != v.cfg.LegacyAuthToken {
			return AuthRecord{}, &RejectedError{Reason: "invalid legacy auth token"}
		}

		userID := "anonymous"
		return AuthRecord{Authenticated: true, UserID: userID, WorkspaceID: p.WorkspaceID}, nil
	}

	if p.AdminSecret != "" {
		if v.cfg.AdminSecret == "" || p.AdminSecret != v.cfg.AdminSecret {
			return AuthRecord{}, &RejectedError{Reason: "invalid admin secret"}
		}

		return AuthRecord{Authenticated: true, IsAdmin: true, WorkspaceID: p.WorkspaceID}, nil
	}

	return AuthRecord{}, nil
}

func (v *Verifier) verifyJWT(token, requestedWorkspace string) (AuthRecord, bool) {
	if v.cfg.JWTSigningKey == "" {
		return AuthRecord{}, false
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.JWTSigningKey), nil
	})
	if err != nil || !parsed.Valid {
		return AuthRecord{}, false
	}

	workspaceID := requestedWorkspace
	if workspaceID == "" && len(claims.Workspaces) > 0 {
		workspaceID = claims.Workspaces[0]
	}

	rec := AuthRecord{
		Authenticated: true,
		UserID:        claims.UserID,
		Workspaces:    claims.Workspaces,
		WorkspaceID:   workspaceID,
	}

	if requestedWorkspace != "" && !rec.HasWorkspace(requestedWorkspace) {
		return AuthRecord{}, false
	}

	return rec, true
}
