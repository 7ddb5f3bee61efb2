package server

import (
	"net/http"
	"strings"
)

// HandleListAccounts returns tracked accounts with their live state.
func (h *Handlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Accounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleAddAccount resolves and stores {"handle": "Name#TAG", "region": "NA1"}.
func (h *Handlers) HandleAddAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle string `json:"handle"`
		Region string `json:"region"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.app.AddAccount(r.Context(), body.Handle, body.Region)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// HandleRemoveAccount stops tracking {id}.
func (h *Handlers) HandleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.app.RemoveAccount(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleToggleAccount flips {id}'s active flag, or sets it with ?active=true|false.
func (h *Handlers) HandleToggleAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	var out any
	switch v := strings.ToLower(r.URL.Query().Get("active")); v {
	case "":
		out, err = h.app.ToggleAccount(r.Context(), id)
	case "true", "1", "false", "0":
		out, err = h.app.SetAccountActive(r.Context(), id, v == "true" || v == "1")
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "active must be true or false"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCheckAccount runs a one-off lookup for {id}.
func (h *Handlers) HandleCheckAccount(w http.ResponseWriter, r *http.Request) {
	session, err := h.app.CheckAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inGame": session != nil, "match": session})
}
