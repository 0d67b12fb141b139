package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/adsignal"
	"popup-policy-engine/internal/engine"
	"popup-policy-engine/internal/observability"
	"popup-policy-engine/internal/popup"
)

type PopupHandler struct {
	Eng  *engine.PopupEngine
	Gate *adsignal.Gate
	now  func() time.Time
}

func NewPopupHandler(eng *engine.PopupEngine, gate *adsignal.Gate) *PopupHandler {
	return &PopupHandler{Eng: eng, Gate: gate, now: time.Now}
}

type decisionResponse struct {
	Type      string                 `json:"type"`
	Emergency *popup.EmergencyPolicy `json:"emergency,omitempty"`
	Update    *popup.UpdatePolicy    `json:"update,omitempty"`
	Notice    *popup.NoticePolicy    `json:"notice,omitempty"`
}

type subjectBody struct {
	App    string `json:"app"`
	Device string `json:"device"`
}

type noticeSeenBody struct {
	subjectBody
	NoticeVersion int `json:"notice_version"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, reason string) {
	observability.RequestErrors.WithLabelValues("bad_request").Inc()
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": reason})
}

func subjectOf(app, device string) (popup.Subject, error) {
	s := popup.Subject{
		AppID:    strings.ToLower(strings.TrimSpace(app)),
		DeviceID: strings.TrimSpace(device),
	}
	switch {
	case s.AppID == "":
		return s, errors.New("missing app")
	case s.DeviceID == "":
		return s, errors.New("missing device")
	}
	return s, nil
}

func decodeSubject(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.New("malformed body")
	}
	return nil
}

// Popup answers which popup the device should show now. 204 means none.
func (h *PopupHandler) Popup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, err := subjectOf(q.Get("app"), q.Get("device"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	version, err := strconv.Atoi(q.Get("version"))
	if err != nil || version < 0 {
		badRequest(w, "invalid version")
		return
	}

	d := h.Eng.Decide(r.Context(), engine.DecideRequest{Subject: sub, VersionCode: version})
	if d.Kind == popup.KindNone {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		Type:      d.Kind.String(),
		Emergency: d.Emergency,
		Update:    d.Update,
		Notice:    d.Notice,
	})
}

func (h *PopupHandler) Later(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if err := decodeSubject(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	sub, err := subjectOf(body.App, body.Device)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, err := h.Eng.Later(r.Context(), sub); err != nil {
		h.storeFailure(w, err, "record later")
		return
	}
	h.dismissed(r, sub)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PopupHandler) NoticeSeen(w http.ResponseWriter, r *http.Request) {
	var body noticeSeenBody
	if err := decodeSubject(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	sub, err := subjectOf(body.App, body.Device)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if body.NoticeVersion <= 0 {
		badRequest(w, "invalid notice_version")
		return
	}
	if _, err := h.Eng.NoticeSeen(r.Context(), sub, body.NoticeVersion); err != nil {
		h.storeFailure(w, err, "record notice seen")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Dismissed is called by clients when a full-screen popup goes away without a
// state change, e.g. an emergency popup closed or an update accepted.
func (h *PopupHandler) Dismissed(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if err := decodeSubject(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	sub, err := subjectOf(body.App, body.Device)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	h.dismissed(r, sub)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PopupHandler) dismissed(r *http.Request, sub popup.Subject) {
	if err := h.Gate.PopupDismissed(r.Context(), sub); err != nil {
		observability.AdSignalErrors.WithLabelValues("dismissed").Inc()
		log.Warn().Err(err).Str("subject", sub.String()).Msg("ad signal failed")
	}
}

func (h *PopupHandler) InterstitialAllowed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, err := subjectOf(q.Get("app"), q.Get("device"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": h.Gate.AllowInterstitial(sub, h.now())})
}

func (h *PopupHandler) InterstitialShown(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if err := decodeSubject(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	sub, err := subjectOf(body.App, body.Device)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	h.Gate.RecordInterstitial(sub, h.now())
	w.WriteHeader(http.StatusNoContent)
}

func (h *PopupHandler) Snapshot(w http.ResponseWriter, _ *http.Request) {
	stats, ok := h.Eng.Stats()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshot not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *PopupHandler) storeFailure(w http.ResponseWriter, err error, op string) {
	observability.RequestErrors.WithLabelValues("store").Inc()
	log.Error().Err(err).Str("op", op).Msg("dismissal store failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dismissal store unavailable"})
}
