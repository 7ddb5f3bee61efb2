package server

import (
	"net/http"

	"github.com/onnwee/lol-autostream/orchestrator"
)

// settingsView is the settings document without the OBS password.
type settingsView struct {
	orchestrator.Settings
	OBSPassword    string `json:"obsPassword,omitempty"`
	OBSPasswordSet bool   `json:"obsPasswordSet"`
}

func viewOf(s orchestrator.Settings) settingsView {
	return settingsView{Settings: s, OBSPasswordSet: s.OBSPassword != ""}
}

// HandleGetConfig returns the runtime settings. Secrets are never echoed.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(h.app.Settings()))
}

// HandlePutConfig replaces the runtime settings. An omitted OBS password keeps the saved one.
func (h *Handlers) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	var body orchestrator.Settings
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.OBSPassword == "" {
		body.OBSPassword = h.app.Settings().OBSPassword
	}
	saved, err := h.app.SaveSettings(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(saved))
}

// HandleStatus returns the combined monitor, OBS and Twitch status without network calls.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Status())
}
