package domain

import (
	"sort"
	"strings"
)

type GitHubNodeType string

const (
	GitHubNodeOwner     GitHubNodeType = "owner"
	GitHubNodeRepo      GitHubNodeType = "repo"
	GitHubNodeDirectory GitHubNodeType = "directory"
	GitHubNodePage      GitHubNodeType = "page"
)

// GitHubNode is one level of the owner/repo/directory/page hierarchy of
// GitHub-backed pages. Path never has leading or trailing slashes.
type GitHubNode struct {
	NodeType GitHubNodeType `json:"node_type"`
	Title    string         `json:"title"`
	Path     string         `json:"path"`
	Contents []*GitHubNode  `json:"contents"`
}

// BuildGitHubTree arranges GitHub-backed pages by display path. Children
// are sorted with containers first, then by title.
func BuildGitHubTree(pages []Page) []*GitHubNode {
	root := &GitHubNode{}
	for _, p := range pages {
		if !p.IsGitHubBacked() {
			continue
		}
		segments := []string{p.GitHubOwner, p.GitHubRepo}
		if prefix := strings.Trim(p.RepositoryDisplayPathPrefix, "/"); prefix != "" {
			segments = append(segments, strings.Split(prefix, "/")...)
		}
		node := root
		for depth := range segments {
			node = node.child(segments[:depth+1], nodeTypeAt(depth))
		}
		node.Contents = append(node.Contents, &GitHubNode{
			NodeType: GitHubNodePage,
			Title:    p.Title,
			Path:     strings.Join(append(segments, p.RepositoryPathStem), "/"),
			Contents: []*GitHubNode{},
		})
	}
	root.sort()
	return root.Contents
}

func nodeTypeAt(depth int) GitHubNodeType {
	switch depth {
	case 0:
		return GitHubNodeOwner
	case 1:
		return GitHubNodeRepo
	default:
		return GitHubNodeDirectory
	}
}

func (n *GitHubNode) child(segments []string, typ GitHubNodeType) *GitHubNode {
	p := strings.Join(segments, "/")
	for _, c := range n.Contents {
		if c.NodeType == typ && c.Path == p {
			return c
		}
	}
	c := &GitHubNode{NodeType: typ, Title: segments[len(segments)-1], Path: p, Contents: []*GitHubNode{}}
	n.Contents = append(n.Contents, c)
	return c
}

func (n *GitHubNode) sort() {
	sort.SliceStable(n.Contents, func(i, j int) bool {
		a, b := n.Contents[i], n.Contents[j]
		if (a.NodeType == GitHubNodePage) != (b.NodeType == GitHubNodePage) {
			return b.NodeType == GitHubNodePage
		}
		return a.Title < b.Title
	})
	for _, c := range n.Contents {
		c.sort()
	}
}
