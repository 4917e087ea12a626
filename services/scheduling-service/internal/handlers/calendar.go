package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/callpilot/callpilot/libs/httpx"
)

type calendarStatusResponse struct {
	Connected bool       `json:"connected"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Email     string     `json:"email,omitempty"`
}

// calendarStatus reports whether a calendar account is connected. Providers
// without OAuth are always connected.
func (a *API) calendarStatus(w http.ResponseWriter, r *http.Request) {
	out := calendarStatusResponse{Connected: true}
	if a.CalendarAuth != nil {
		st, err := a.CalendarAuth.Status(r.Context())
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		out.Connected = st.Connected
		if !st.Expiry.IsZero() {
			out.Expiry = &st.Expiry
		}
	}
	if out.Connected && a.Owner != nil {
		email, err := a.Owner.Owner(r.Context())
		if err != nil {
			a.Logger.Warn("calendar owner lookup failed", "err", err)
		}
		out.Email = email
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) calendarAuthURL(w http.ResponseWriter, r *http.Request) {
	if a.CalendarAuth == nil {
		httpx.WriteError(w, http.StatusNotFound, "not_supported", "calendar provider does not use oauth", false)
		return
	}
	u, err := a.CalendarAuth.AuthCodeURL(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"auth_url": u})
}

func (a *API) calendarDisconnect(w http.ResponseWriter, r *http.Request) {
	if a.CalendarAuth == nil {
		httpx.WriteError(w, http.StatusNotFound, "not_supported", "calendar provider does not use oauth", false)
		return
	}
	if err := a.CalendarAuth.Disconnect(r.Context()); err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.Logger.Info("calendar disconnected")
	httpx.WriteJSON(w, http.StatusOK, calendarStatusResponse{Connected: false})
}

// oauthCallback finishes the consent flow and sends the browser back to the
// frontend with the outcome in the query string.
func (a *API) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if a.CalendarAuth == nil {
		httpx.WriteError(w, http.StatusNotFound, "not_supported", "calendar provider does not use oauth", false)
		return
	}
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		a.Logger.Warn("calendar consent denied", "reason", denied)
		a.redirect(w, r, url.Values{"error": {denied}})
		return
	}
	if err := a.CalendarAuth.Exchange(r.Context(), q.Get("code"), q.Get("state")); err != nil {
		a.Logger.Warn("calendar oauth exchange failed", "err", err)
		a.redirect(w, r, url.Values{"error": {"exchange_failed"}})
		return
	}

	v := url.Values{"success": {"true"}}
	if a.Owner != nil {
		if email, err := a.Owner.Owner(r.Context()); err == nil && email != "" {
			v.Set("email", email)
		}
	}
	a.Logger.Info("calendar connected", "owner", v.Get("email"))
	a.redirect(w, r, v)
}

func (a *API) redirect(w http.ResponseWriter, r *http.Request, v url.Values) {
	target := strings.TrimRight(a.FrontendURL, "/") + "/connect-calendar?" + v.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}
