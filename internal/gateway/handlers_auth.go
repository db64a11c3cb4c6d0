package gateway

import (
	"encoding/json"
	"net/http"
	"net/mail"
)

func decodeBody(r *http.Request, dest any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		g.validationError(w, r, "invalid email address", map[string]any{"field": "email"})
		return
	}

	account, err := g.auth.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": account.ID,
		"email":      account.Email,
		"username":   account.Username,
		"role":       account.Role,
	})
}

func (g *Gateway) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}

	metadata := map[string]string{
		"ip":         r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}
	res, err := g.auth.SignIn(r.Context(), req.Identifier, req.Password, metadata)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": map[string]any{
			"id":       res.Account.ID,
			"email":    res.Account.Email,
			"username": res.Account.Username,
			"role":     res.Account.Role,
		},
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
	})
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	res, err := g.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
	})
}

func (g *Gateway) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := g.auth.SignOut(r.Context(), bearerToken(r)); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signed_out": true})
}

func (g *Gateway) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	// The token is handed to the mailer out of band; the response is the
	// same whether or not the identifier exists.
	if _, err := g.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requested": true})
}

func (g *Gateway) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResetToken  string `json:"reset_token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	if err := g.auth.ResetPassword(r.Context(), req.ResetToken, req.NewPassword); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	account, err := g.characters.GetAccount(r.Context(), claims.AccountID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             account.ID,
		"email":          account.Email,
		"username":       account.Username,
		"role":           account.Role,
		"status":         account.Status,
		"email_verified": account.EmailVerified,
		"created_at":     account.CreatedAt,
		"last_login":     account.LastLogin,
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	sess, err := g.sessions.Get(r.Context(), claims.SessionID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	status := map[string]any{
		"account_id": claims.AccountID,
		"role":       claims.Role,
		"expires_at": claims.ExpiresAt,
	}
	if sess != nil {
		status["session_expires_at"] = sess.ExpiresAt
		if sess.CharacterID != nil {
			status["character_id"] = sess.CharacterID
		}
	}
	writeJSON(w, http.StatusOK, status)
}
