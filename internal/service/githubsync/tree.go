package githubsync

import (
	"path"
	"sort"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/settingsfile"
)

const notebookExtension = ".ipynb"

var sidecarExtensions = []string{".yaml", ".yml"}

// notebookPair is a notebook and the sidecar sharing its stem.
type notebookPair struct {
	Dir         string
	Stem        string
	Notebook    github.TreeEntry
	Sidecar     github.TreeEntry
	DisplayPath string
}

func (p notebookPair) sidecarExtension() string {
	return path.Ext(p.Sidecar.Path)
}

// findNotebooks pairs every notebook under the settings root with its
// sidecar. Notebooks without a sidecar and ignored paths are skipped.
func findNotebooks(owner, repoName string, tree github.Tree, settings settingsfile.RepoSettings) []notebookPair {
	blobs := make(map[string]github.TreeEntry, len(tree.Tree))
	for _, entry := range tree.Tree {
		if entry.Type == "blob" {
			blobs[entry.Path] = entry
		}
	}

	var pairs []notebookPair
	for p, entry := range blobs {
		if path.Ext(p) != notebookExtension {
			continue
		}
		if !settings.InRoot(p) || settings.Ignored(p) {
			continue
		}
		base := strings.TrimSuffix(p, notebookExtension)
		for _, ext := range sidecarExtensions {
			sidecar, ok := blobs[base+ext]
			if !ok {
				continue
			}
			dir := path.Dir(p)
			if dir == "." {
				dir = ""
			}
			stem := path.Base(base)
			pairs = append(pairs, notebookPair{
				Dir:         dir,
				Stem:        stem,
				Notebook:    entry,
				Sidecar:     sidecar,
				DisplayPath: domain.DisplayPath(owner, repoName, settings.DisplayPrefix(dir), stem),
			})
			break
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].DisplayPath < pairs[j].DisplayPath })
	return pairs
}

// buildPage assembles the page a pair describes. commit is empty for live
// pages and the head SHA for pull request previews.
func buildPage(owner, repoName, commit string, settings settingsfile.RepoSettings, pair notebookPair, sidecar settingsfile.Sidecar, ipynb []byte) domain.Page {
	title := sidecar.Title
	if strings.TrimSpace(title) == "" {
		title = pair.Stem
	}
	return domain.Page{
		Title:                       title,
		Description:                 sidecar.Description,
		Tags:                        sidecar.Tags,
		Authors:                     sidecar.Authors,
		Parameters:                  sidecar.Parameters,
		Ipynb:                       string(ipynb),
		CacheTTL:                    sidecar.CacheTTL,
		Timeout:                     sidecar.Timeout,
		GitHubOwner:                 owner,
		GitHubRepo:                  repoName,
		GitHubCommit:                commit,
		RepositoryPathPrefix:        pair.Dir,
		RepositoryDisplayPathPrefix: settings.DisplayPrefix(pair.Dir),
		RepositoryPathStem:          pair.Stem,
		RepositorySourceExtension:   notebookExtension,
		RepositorySidecarExtension:  pair.sidecarExtension(),
		RepositorySourceSHA:         pair.Notebook.SHA,
		RepositorySidecarSHA:        pair.Sidecar.SHA,
	}
}
