package api

import (
	"net/http"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/domain"
)

type githubTreeResponse struct {
	Contents []*domain.GitHubNode `json:"contents"`
}

func treeResponse(tree []*domain.GitHubNode) githubTreeResponse {
	if tree == nil {
		tree = []*domain.GitHubNode{}
	}
	return githubTreeResponse{Contents: tree}
}

// handleGitHubTree lists the live GitHub-backed pages as an
// owner/repo/directory/page tree.
func (api *API) handleGitHubTree(w http.ResponseWriter, r *http.Request) {
	tree, err := api.pages.GitHubTree(r.Context(), "", "", "")
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, treeResponse(tree))
}

func (api *API) handleGitHubPage(w http.ResponseWriter, r *http.Request) {
	displayPath := strings.Trim(r.PathValue("path"), "/")
	if displayPath == "" {
		api.handleGitHubTree(w, r)
		return
	}
	page, err := api.pages.GetGitHubBackedPage(r.Context(), displayPath)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writePage(w, r, http.StatusOK, page)
}

// handleGitHubPRTree lists the preview pages of one pull request commit.
func (api *API) handleGitHubPRTree(w http.ResponseWriter, r *http.Request) {
	tree, err := api.pages.GitHubTree(r.Context(), r.PathValue("owner"), r.PathValue("repo"), r.PathValue("commit"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, treeResponse(tree))
}

func (api *API) handleGitHubPRPage(w http.ResponseWriter, r *http.Request) {
	page, err := api.pages.GetGitHubPRPage(r.Context(), r.PathValue("owner"), r.PathValue("repo"), r.PathValue("commit"), r.PathValue("path"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writePage(w, r, http.StatusOK, page)
}
