package server

import (
	"errors"
	"io"
	"net/http"
)

// HandleMonitorStart starts monitoring; starting twice is not an error.
func (h *Handlers) HandleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if err := h.app.StartMonitoring(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Status().Monitor)
}

func (h *Handlers) HandleMonitorStop(w http.ResponseWriter, r *http.Request) {
	h.app.StopMonitoring()
	writeJSON(w, http.StatusOK, h.app.Status().Monitor)
}

// HandleOBSConnect connects to OBS. The body is optional; without it the saved settings are used.
func (h *Handlers) HandleOBSConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address  string `json:"address"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, err)
		return
	}
	if err := h.app.ConnectBroadcast(r.Context(), body.Address, body.Password); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Status().OBS)
}

func (h *Handlers) HandleOBSDisconnect(w http.ResponseWriter, r *http.Request) {
	h.app.DisconnectBroadcast()
	writeJSON(w, http.StatusOK, h.app.Status().OBS)
}

// HandleTwitchAuthorize tries the stored Twitch session and, when the user
// must consent again, returns the URL that starts the flow.
func (h *Handlers) HandleTwitchAuthorize(w http.ResponseWriter, r *http.Request) {
	connected, err := h.app.AuthorizeMetadata(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := map[string]any{"connected": connected}
	if !connected {
		out["authorizeUrl"] = "/auth/twitch/start"
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleTwitchDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.app.DisconnectMetadata(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStreamInfoUpdate sets {"title", "category"} on the Twitch channel.
func (h *Handlers) HandleStreamInfoUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title    string `json:"title"`
		Category string `json:"category"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.app.UpdateStreamInfo(r.Context(), body.Title, body.Category); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTwitchStream reports whether the channel is live and, if so, its stream.
func (h *Handlers) HandleTwitchStream(w http.ResponseWriter, r *http.Request) {
	info, err := h.app.StreamInfo(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": info != nil, "stream": info})
}

// HandleTwitchChannel reports the title and category set on the channel, live or not.
func (h *Handlers) HandleTwitchChannel(w http.ResponseWriter, r *http.Request) {
	title, category, err := h.app.ChannelInfo(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": title, "category": category})
}
