package httpapi

import (
	"net/http"
	"time"

	"github.com/wattwise/energy-monitor/internal/httputil"
)

const (
	refreshCookie    = "refreshToken"
	refreshCookieTTL = 30 * 24 * time.Hour
)

type credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

func (h *handler) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var c credentials
	if err := httputil.DecodeJSON(r, &c); err != nil {
		httputil.WriteError(w, r, err)
		return c, false
	}
	return c, true
}

// setRefreshCookie scopes the cookie to the auth routes under the API prefix.
func (h *handler) setRefreshCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	c := &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     h.cookiePath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(maxAge.Seconds()),
	}
	if maxAge <= 0 {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	http.SetCookie(w, c)
}

func (h *handler) signUp(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.app.Accounts.SignUp(r.Context(), c.Email, c.Password); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusCreated, "User registered successfully. Please check your email for the verification code.")
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.app.Accounts.Verify(r.Context(), c.Email, c.Code); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "Email verified successfully")
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	tokens, err := h.app.Accounts.Login(r.Context(), c.Email, c.Password)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.setRefreshCookie(w, tokens.RefreshToken, refreshCookieTTL)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"accessToken": tokens.AccessToken,
		"idToken":     tokens.IDToken,
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(refreshCookie); err == nil {
		token = c.Value
	}
	tokens, err := h.app.Accounts.Refresh(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"accessToken": tokens.AccessToken,
		"idToken":     tokens.IDToken,
	})
}

func (h *handler) logout(w http.ResponseWriter, _ *http.Request) {
	h.setRefreshCookie(w, "", 0)
	httputil.WriteMessage(w, http.StatusOK, "Logged out successfully")
}

func (h *handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.app.Accounts.ForgotPassword(r.Context(), c.Email); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "Password reset code sent to your email")
}

func (h *handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.app.Accounts.ResetPassword(r.Context(), c.Email, c.Code, c.NewPassword); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "Password reset successfully")
}

func (h *handler) resendCode(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.app.Accounts.ResendCode(r.Context(), c.Email); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "Verification code resent successfully")
}
