package api

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

const (
	// MaxUploadBytes caps the recipient file of a multipart submission.
	MaxUploadBytes = 10 << 20

	// multipart bodies get headroom for the text fields around the file.
	maxMultipartBody = MaxUploadBytes + 1<<20
	maxJSONBody      = 16 << 20
)

// CampaignService is the subset of the campaign service used by the
// handlers.
type CampaignService interface {
	Submit(ctx context.Context, in campaign.SubmitInput) (*campaign.SubmitResult, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) (*campaign.ListResult, error)
	Cancel(ctx context.Context, id string) (*domain.Campaign, error)
}

// CampaignHandlers serves the /api/campaigns endpoints.
type CampaignHandlers struct {
	svc CampaignService
}

// NewCampaignHandlers creates the campaign handlers.
func NewCampaignHandlers(svc CampaignService) *CampaignHandlers {
	return &CampaignHandlers{svc: svc}
}

type createCampaignRequest struct {
	Name       string                  `json:"name"`
	Subject    string                  `json:"subject"`
	HTML       string                  `json:"html"`
	Text       string                  `json:"text"`
	Owner      string                  `json:"owner"`
	Recipients []domain.RecipientInput `json:"recipients"`
}

// CreateCampaign accepts a campaign and starts it in the background.
// The body is JSON with inline recipients, or multipart/form-data with the
// same fields plus a "file" part holding a CSV or JSON recipient list.
//
//	POST /api/campaigns
func (h *CampaignHandlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var in campaign.SubmitInput
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBody)
		if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.ErrorCode(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "recipient file exceeds 10MB")
				return
			}
			httputil.ErrorCode(w, http.StatusBadRequest, CodeInvalidFormat, "invalid multipart body: "+err.Error())
			return
		}
		defer r.MultipartForm.RemoveAll()

		in = campaign.SubmitInput{
			Name:    r.FormValue("name"),
			Subject: r.FormValue("subject"),
			HTML:    r.FormValue("html"),
			Text:    r.FormValue("text"),
			Owner:   r.FormValue("owner"),
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.ErrorCode(w, http.StatusBadRequest, CodeValidation, "a recipient file is required in the \"file\" field")
			return
		}
		defer file.Close()
		if header.Size > MaxUploadBytes {
			httputil.ErrorCode(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "recipient file exceeds 10MB")
			return
		}
		in.ContentType = fileContentType(header.Header.Get("Content-Type"), header.Filename)
		in.RecipientData = file
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		var req createCampaignRequest
		if !httputil.Decode(w, r, &req) {
			return
		}
		in = campaign.SubmitInput{
			Name:       req.Name,
			Subject:    req.Subject,
			HTML:       req.HTML,
			Text:       req.Text,
			Owner:      req.Owner,
			Recipients: req.Recipients,
		}
	}

	res, err := h.svc.Submit(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

// GetCampaign returns one campaign with its recipients.
//
//	GET /api/campaigns/{id}
func (h *CampaignHandlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ListCampaigns returns a page of campaign summaries, newest first.
//
//	GET /api/campaigns?owner=&status=&page=&limit=
func (h *CampaignHandlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 20, 100)
	res, err := h.svc.List(r.Context(), campaign.ListFilter{
		Owner:  r.URL.Query().Get("owner"),
		Status: r.URL.Query().Get("status"),
		Page:   p.Page,
		Limit:  p.Limit,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// CancelCampaign stops a pending or processing campaign.
//
//	POST /api/campaigns/{id}/cancel
func (h *CampaignHandlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// fileContentType picks the parser hint for an uploaded file. Browsers often
// send application/octet-stream, so the extension wins for .json.
func fileContentType(declared, filename string) string {
	if strings.HasSuffix(strings.ToLower(filename), ".json") {
		return "application/json"
	}
	if declared == "" {
		return "text/csv"
	}
	return declared
}

