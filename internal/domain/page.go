package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lsst-sqre/times-square-go/internal/params"
)

// Person is a page author.
type Person struct {
	Name        string `json:"name,omitempty"`
	Username    string `json:"username,omitempty"`
	Affiliation string `json:"affiliation_name,omitempty"`
	Email       string `json:"email,omitempty"`
	SlackName   string `json:"slack_name,omitempty"`
}

// Page is a parameterized notebook template.
type Page struct {
	Name        string
	Title       string
	Description string
	Tags        []string
	Authors     []Person
	Parameters  *params.Schemas
	Ipynb       string
	ContentHash string

	CacheTTL *time.Duration
	Timeout  *time.Duration

	UploaderUsername string
	DateAdded        time.Time
	DateDeleted      *time.Time

	GitHubOwner                 string
	GitHubRepo                  string
	GitHubCommit                string
	RepositoryPathPrefix        string
	RepositoryDisplayPathPrefix string
	RepositoryPathStem          string
	RepositorySourceExtension   string
	RepositorySidecarExtension  string
	RepositorySourceSHA         string
	RepositorySidecarSHA        string
}

// NewPageName returns a fresh URL-safe page identifier.
func NewPageName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (p Page) IsGitHubBacked() bool {
	return p.GitHubOwner != "" && p.GitHubRepo != ""
}

func (p Page) IsDeleted() bool {
	return p.DateDeleted != nil
}

// DisplayPath is owner/repo[/display prefix]/stem for GitHub-backed pages.
func (p Page) DisplayPath() string {
	if !p.IsGitHubBacked() {
		return ""
	}
	return DisplayPath(p.GitHubOwner, p.GitHubRepo, p.RepositoryDisplayPathPrefix, p.RepositoryPathStem)
}

func DisplayPath(owner, repo, displayPrefix, stem string) string {
	parts := []string{owner, repo}
	if prefix := strings.Trim(displayPrefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, stem)
	return path.Join(parts...)
}

// SourcePath is the notebook's path within its repository.
func (p Page) SourcePath() string {
	return path.Join(p.RepositoryPathPrefix, p.RepositoryPathStem+p.RepositorySourceExtension)
}

// SidecarPath is the sidecar YAML's path within its repository.
func (p Page) SidecarPath() string {
	return path.Join(p.RepositoryPathPrefix, p.RepositoryPathStem+p.RepositorySidecarExtension)
}

func (p Page) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("page name is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("page title is required")
	}
	if strings.TrimSpace(p.Ipynb) == "" {
		return errors.New("page ipynb is required")
	}
	if !json.Valid([]byte(p.Ipynb)) {
		return errors.New("page ipynb is not valid JSON")
	}
	for _, name := range p.Parameters.Names() {
		if err := params.ValidateName(name); err != nil {
			return err
		}
	}
	if p.Timeout != nil && *p.Timeout <= 0 {
		return errors.New("page timeout must be positive")
	}
	if p.CacheTTL != nil && *p.CacheTTL <= 0 {
		return errors.New("page cache ttl must be positive")
	}
	return nil
}

// ComputeContentHash hashes the parts of a page that affect rendered
// output: the notebook and the parameter schemas.
func ComputeContentHash(ipynb string, schemas *params.Schemas) (string, error) {
	h := sha256.New()
	h.Write([]byte(ipynb))
	h.Write([]byte{0})
	if schemas != nil {
		data, err := json.Marshal(schemas)
		if err != nil {
			return "", fmt.Errorf("hash parameters: %w", err)
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PageSummary is the listing view of a page.
type PageSummary struct {
	Name        string
	Title       string
	Tags        []string
	DisplayPath string
}

// PageInstance is a page plus one canonical set of resolved values.
type PageInstance struct {
	PageName string
	Values   params.Values
}

// Fingerprint is the cache and deduplication key of the instance.
func (i PageInstance) Fingerprint() string {
	return i.PageName + "/" + i.Values.QueryString()
}

// FingerprintPrefix is shared by every instance of a page.
func FingerprintPrefix(pageName string) string {
	return pageName + "/"
}

// HTMLKey identifies one display render of an instance.
func (i PageInstance) HTMLKey(settings DisplaySettings) string {
	return HTMLKey(i.Fingerprint(), settings)
}

func HTMLKey(fingerprint string, settings DisplaySettings) string {
	return fingerprint + "/" + settings.QueryString()
}
