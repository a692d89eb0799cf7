package tracking

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
)

// 1x1 transparent PNG
var pixelPNG = func() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

// Handler serves the open pixel and click redirects.
type Handler struct {
	issuer   *Issuer
	recorder Recorder
}

// NewHandler creates a tracking handler. A nil recorder logs events.
func NewHandler(issuer *Issuer, recorder Recorder) *Handler {
	if recorder == nil {
		recorder = LogRecorder{}
	}
	return &Handler{issuer: issuer, recorder: recorder}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/track/open/{file}", h.HandleOpen)
	r.Get("/track/click/{token}", h.HandleClick)
}

// HandleOpen records an open for a valid token. The pixel is served
// regardless so mail clients never see an error.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSuffix(chi.URLParam(r, "file"), ".png")

	campaignID, recipientKey, err := h.issuer.Verify(token)
	if err != nil {
		logger.Debug("tracking: rejected open token", "error", err)
		servePixel(w)
		return
	}

	h.recorder.Record(r.Context(), domain.TrackingEvent{
		CampaignID: campaignID,
		MessageID:  recipientKey,
		EventType:  domain.EventOpen,
		IPAddress:  realIP(r),
		UserAgent:  r.UserAgent(),
		CreatedAt:  time.Now().UTC(),
	})
	servePixel(w)
}

// HandleClick records a click and redirects to the signed target. Links
// that fail verification get a 400, never a redirect.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	target := r.URL.Query().Get("url")

	campaignID, recipientKey, err := h.issuer.VerifyClick(token, target, r.URL.Query().Get("sig"))
	if err != nil {
		logger.Debug("tracking: rejected click", "error", err)
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.recorder.Record(r.Context(), domain.TrackingEvent{
		CampaignID: campaignID,
		MessageID:  recipientKey,
		EventType:  domain.EventClick,
		IPAddress:  realIP(r),
		UserAgent:  r.UserAgent(),
		URL:        target,
		CreatedAt:  time.Now().UTC(),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelPNG)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
