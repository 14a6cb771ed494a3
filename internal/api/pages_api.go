package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/platform/auditlog"
	"github.com/lsst-sqre/times-square-go/internal/platform/auth"
	"github.com/lsst-sqre/times-square-go/internal/render"
	"github.com/lsst-sqre/times-square-go/internal/service/pages"
)

type descriptionResponse struct {
	GFM  string `json:"gfm"`
	HTML string `json:"html"`
}

type githubSourceResponse struct {
	Owner       string `json:"owner"`
	Repository  string `json:"repository"`
	SourcePath  string `json:"source_path"`
	SidecarPath string `json:"sidecar_path"`
	Commit      string `json:"commit,omitempty"`
}

type pageResponse struct {
	Name             string                `json:"name"`
	Title            string                `json:"title"`
	Description      *descriptionResponse  `json:"description"`
	CacheTTL         *int64                `json:"cache_ttl"`
	Timeout          *int64                `json:"timeout"`
	DateAdded        time.Time             `json:"date_added"`
	Authors          []domain.Person       `json:"authors"`
	Tags             []string              `json:"tags"`
	UploaderUsername string                `json:"uploader_username,omitempty"`
	Parameters       *params.Schemas       `json:"parameters"`
	SelfURL          string                `json:"self_url"`
	SourceURL        string                `json:"source_url"`
	RenderedURL      string                `json:"rendered_url"`
	HTMLURL          string                `json:"html_url"`
	HTMLStatusURL    string                `json:"html_status_url"`
	HTMLEventsURL    string                `json:"html_events_url"`
	GitHub           *githubSourceResponse `json:"github"`
}

type pageSummaryResponse struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	DisplayPath string   `json:"display_path,omitempty"`
	SelfURL     string   `json:"self_url"`
}

type postPageRequest struct {
	Title       string          `json:"title"`
	Ipynb       string          `json:"ipynb"`
	Authors     []domain.Person `json:"authors"`
	Tags        []string        `json:"tags"`
	Description string          `json:"description"`
	// CacheTTL and Timeout are seconds.
	CacheTTL *int64 `json:"cache_ttl"`
	Timeout  *int64 `json:"timeout"`
}

type htmlStatusResponse struct {
	Available bool                `json:"available"`
	HTMLHash  string              `json:"html_hash,omitempty"`
	HTMLURL   string              `json:"html_url,omitempty"`
	Status    *domain.StatusEvent `json:"status,omitempty"`
}

func (api *API) pageURL(name string) string {
	return api.cfg.BaseURL + "/v1/pages/" + url.PathEscape(name)
}

func (api *API) pageResponse(p domain.Page) (pageResponse, error) {
	self := api.pageURL(p.Name)
	out := pageResponse{
		Name:             p.Name,
		Title:            p.Title,
		CacheTTL:         seconds(p.CacheTTL),
		Timeout:          seconds(p.Timeout),
		DateAdded:        p.DateAdded,
		Authors:          p.Authors,
		Tags:             p.Tags,
		UploaderUsername: p.UploaderUsername,
		Parameters:       p.Parameters,
		SelfURL:          self,
		SourceURL:        self + "/ipynb",
		RenderedURL:      self + "/rendered",
		HTMLURL:          self + "/html",
		HTMLStatusURL:    self + "/htmlstatus",
		HTMLEventsURL:    self + "/html/events",
	}
	if out.Authors == nil {
		out.Authors = []domain.Person{}
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if p.Description != "" {
		html, err := render.MarkdownHTML(p.Description)
		if err != nil {
			return pageResponse{}, fmt.Errorf("render description of %s: %w", p.Name, err)
		}
		out.Description = &descriptionResponse{GFM: p.Description, HTML: html}
	}
	if p.IsGitHubBacked() {
		out.GitHub = &githubSourceResponse{
			Owner:       p.GitHubOwner,
			Repository:  p.GitHubRepo,
			SourcePath:  p.SourcePath(),
			SidecarPath: p.SidecarPath(),
			Commit:      p.GitHubCommit,
		}
	}
	return out, nil
}

func seconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(d.Seconds())
	return &s
}

func durationOf(secs *int64) *time.Duration {
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}

func (api *API) writePage(w http.ResponseWriter, r *http.Request, status int, p domain.Page) {
	resp, err := api.pageResponse(p)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}

func (api *API) handleListPages(w http.ResponseWriter, r *http.Request) {
	list, err := api.pages.ListPages(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]pageSummaryResponse, 0, len(list))
	for _, p := range list {
		tags := p.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, pageSummaryResponse{
			Name:        p.Name,
			Title:       p.Title,
			Tags:        tags,
			DisplayPath: p.DisplayPath,
			SelfURL:     api.pageURL(p.Name),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *API) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var req postPageRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Ipynb) == "" {
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_page", "title and ipynb are required", nil)
		return
	}
	upload := pages.PageUpload{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Authors:     req.Authors,
		Ipynb:       req.Ipynb,
		CacheTTL:    durationOf(req.CacheTTL),
		Timeout:     durationOf(req.Timeout),
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		upload.UploaderUsername = identity.Subject
	}
	page, err := api.pages.CreatePage(r.Context(), upload)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, auditlog.ActionPageCreate, page.Name, map[string]any{"title": page.Title})
	w.Header().Set("Location", api.pageURL(page.Name))
	api.writePage(w, r, http.StatusCreated, page)
}

func (api *API) handleGetPage(w http.ResponseWriter, r *http.Request) {
	page, err := api.pages.GetPage(r.Context(), r.PathValue("page"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writePage(w, r, http.StatusOK, page)
}

func (api *API) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("page")
	if err := api.pages.SoftDeletePage(r.Context(), name); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, auditlog.ActionPageDelete, name, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleGetIpynb(w http.ResponseWriter, r *http.Request) {
	page, err := api.pages.GetPage(r.Context(), r.PathValue("page"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeNotebook(w, page.Ipynb)
}

func (api *API) handleGetRendered(w http.ResponseWriter, r *http.Request) {
	ipynb, err := api.pages.RenderNotebook(r.Context(), r.PathValue("page"), r.URL.Query())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeNotebook(w, ipynb)
}

func writeNotebook(w http.ResponseWriter, ipynb string) {
	w.Header().Set("Content-Type", "application/x-ipynb+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ipynb))
}

// handleGetHTML serves a cached render. On a miss it makes sure a job is
// producing one and answers 404 with the job's status.
func (api *API) handleGetHTML(w http.ResponseWriter, r *http.Request) {
	res, err := api.pages.GetOrRequestHTML(r.Context(), r.PathValue("page"), r.URL.Query())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if res.HTML == nil {
		ev := res.Computation.Event(time.Now().UTC())
		api.writeError(w, r, http.StatusNotFound, "html_not_available", "the page is being computed", ev)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", `"`+res.HTML.HTMLHash+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.HTML.HTML))
}

func (api *API) handleForceRecompute(w http.ResponseWriter, r *http.Request) {
	c, err := api.pages.ForceRecompute(r.Context(), r.PathValue("page"), r.URL.Query())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, auditlog.ActionPageRecompute, c.PageName, map[string]any{"query": c.Query, "generation": c.Generation})
	writeJSON(w, http.StatusAccepted, c.Event(time.Now().UTC()))
}

func (api *API) handleHTMLStatus(w http.ResponseWriter, r *http.Request) {
	st, err := api.pages.HTMLStatus(r.Context(), r.PathValue("page"), r.URL.Query())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := htmlStatusResponse{Available: st.Available, HTMLHash: st.HTMLHash, HTMLURL: st.HTMLURL}
	if st.Computation.State != "" {
		ev := st.Computation.Event(time.Now().UTC())
		out.Status = &ev
	}
	writeJSON(w, http.StatusOK, out)
}
