// Package api serves the Times Square HTTP API: page management, HTML
// retrieval, status streams, the GitHub page tree and the GitHub webhook
// receiver.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/platform/auditlog"
	"github.com/lsst-sqre/times-square-go/internal/platform/auth"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/platform/httpserver"
	"github.com/lsst-sqre/times-square-go/internal/render"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/service/pages"
)

// Pages is the page service behind the API. *pages.Service implements it.
type Pages interface {
	CreatePage(ctx context.Context, in pages.PageUpload) (domain.Page, error)
	GetPage(ctx context.Context, name string) (domain.Page, error)
	ListPages(ctx context.Context) ([]domain.PageSummary, error)
	SoftDeletePage(ctx context.Context, name string) error
	RenderNotebook(ctx context.Context, name string, raw url.Values) (string, error)
	GetOrRequestHTML(ctx context.Context, name string, raw url.Values) (pages.HTMLResult, error)
	HTMLStatus(ctx context.Context, name string, raw url.Values) (pages.HTMLStatus, error)
	ForceRecompute(ctx context.Context, name string, raw url.Values) (domain.Computation, error)
	Subscribe(ctx context.Context, name string, raw url.Values) (<-chan domain.StatusEvent, error)
	GetGitHubBackedPage(ctx context.Context, displayPath string) (domain.Page, error)
	GetGitHubPRPage(ctx context.Context, owner, repoName, commit, pagePath string) (domain.Page, error)
	GitHubTree(ctx context.Context, owner, repoName, commit string) ([]*domain.GitHubNode, error)
}

type Config struct {
	Service string
	// BaseURL is the public root of the API, e.g.
	// https://data.example.org/times-square. Response links are built on it.
	BaseURL string
	// PathPrefix is prepended to every API route.
	PathPrefix string
	// GitHub supplies the webhook secret, the accepted organizations and
	// whether pull request check runs are enabled.
	GitHub github.Config
	// Audit records catalog writes. Nil disables the audit trail.
	Audit auditlog.Recorder
}

type API struct {
	cfg    Config
	pages  Pages
	queue  repo.TaskQueue
	auth   auth.Middleware
	ready  []httpserver.ReadinessCheck
	logger *slog.Logger
}

// New wires the API. queue may be nil, in which case webhooks are
// rejected.
func New(cfg Config, svc Pages, queue repo.TaskQueue, authn auth.Middleware, logger *slog.Logger, ready ...httpserver.ReadinessCheck) *API {
	if svc == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PathPrefix = strings.TrimRight(cfg.PathPrefix, "/")
	if cfg.Service == "" {
		cfg.Service = "times-square"
	}
	return &API{
		cfg:    cfg,
		pages:  svc,
		queue:  queue,
		auth:   authn,
		ready:  ready,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the routed API wrapped in request id, access log and
// panic recovery middleware.
func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()
	api.register(mux)
	return httpserver.Wrap(api.logger, api.cfg.Service, mux)
}

func (api *API) register(mux *http.ServeMux) {
	p := api.cfg.PathPrefix
	write := func(h http.HandlerFunc) http.Handler { return api.auth.Wrap(h) }

	mux.HandleFunc("GET /healthz", httpserver.Healthz(api.cfg.Service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(api.cfg.Service, api.ready...))

	mux.HandleFunc("GET "+p+"/v1/pages", api.handleListPages)
	mux.Handle("POST "+p+"/v1/pages", write(api.handleCreatePage))
	mux.HandleFunc("GET "+p+"/v1/pages/{page}", api.handleGetPage)
	mux.Handle("DELETE "+p+"/v1/pages/{page}", write(api.handleDeletePage))
	mux.HandleFunc("GET "+p+"/v1/pages/{page}/ipynb", api.handleGetIpynb)
	mux.HandleFunc("GET "+p+"/v1/pages/{page}/rendered", api.handleGetRendered)
	mux.HandleFunc("GET "+p+"/v1/pages/{page}/html", api.handleGetHTML)
	mux.Handle("DELETE "+p+"/v1/pages/{page}/html", write(api.handleForceRecompute))
	mux.HandleFunc("GET "+p+"/v1/pages/{page}/htmlstatus", api.handleHTMLStatus)
	mux.HandleFunc("GET "+p+"/v1/pages/{page}/html/events", api.handleHTMLEvents)
	mux.HandleFunc("GET "+p+"/v1/pages/{page}/html/ws", api.handleHTMLWebsocket)

	mux.HandleFunc("GET "+p+"/v1/github", api.handleGitHubTree)
	mux.HandleFunc("GET "+p+"/v1/github/{path...}", api.handleGitHubPage)
	mux.HandleFunc("GET "+p+"/v1/github-pr/{owner}/{repo}/{commit}", api.handleGitHubPRTree)
	mux.HandleFunc("GET "+p+"/v1/github-pr/{owner}/{repo}/{commit}/{path...}", api.handleGitHubPRPage)

	mux.HandleFunc("POST "+p+"/webhooks/github", api.handleGitHubWebhook)
}

// audit records a completed write. Failures are logged and never fail the
// request.
func (api *API) audit(r *http.Request, action, pageName string, payload any) {
	if api.cfg.Audit == nil {
		return
	}
	ev := auditlog.FromRequest(r, action, auditlog.ResourcePage, pageName, payload)
	if err := api.cfg.Audit.Record(r.Context(), ev); err != nil {
		api.logger.Warn("audit record failed", "action", action, "page", pageName, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 16<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Detail    any    `json:"detail,omitempty"`
	RequestID string `json:"request_id"`
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, detail any) {
	writeJSON(w, status, errorBody{
		Error:     code,
		Message:   message,
		Detail:    detail,
		RequestID: r.Header.Get("X-Request-Id"),
	})
}

type cellDetail struct {
	CellIndex int    `json:"cell_index"`
	Message   string `json:"message"`
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound  *domain.PageNotFoundError
		invalid   *params.SchemaValidationError
		dynamic   *params.DynamicDefaultSyntaxError
		templ     *render.TemplateRenderError
		format    *render.FormatError
		ownership *domain.OwnershipRejectedError
	)
	switch {
	case errors.As(err, &notFound):
		api.writeError(w, r, http.StatusNotFound, "page_not_found", err.Error(), nil)
	case errors.As(err, &invalid):
		api.writeError(w, r, http.StatusUnprocessableEntity, "parameter_validation_failed", err.Error(), invalid.Issues)
	case errors.As(err, &dynamic):
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_dynamic_default", err.Error(), nil)
	case errors.As(err, &templ):
		api.writeError(w, r, http.StatusUnprocessableEntity, "template_error", err.Error(), []cellDetail{{CellIndex: templ.CellIndex, Message: templ.Message}})
	case errors.As(err, &format):
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_notebook", err.Error(), nil)
	case errors.As(err, &ownership):
		api.writeError(w, r, http.StatusForbidden, "ownership_rejected", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the response.
		return
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("request failed", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "err", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "", nil)
	}
}
