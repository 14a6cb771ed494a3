// Package settingsfile parses the YAML files that configure a
// GitHub-backed catalog: the repository's times-square.yaml and each
// notebook's sidecar. Errors carry the line and column of the offending
// node.
package settingsfile

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lsst-sqre/times-square-go/internal/domain"
)

// RepoSettingsPath is where repository settings live, relative to the
// repository root.
const RepoSettingsPath = "times-square.yaml"

// RepoSettings is the content of times-square.yaml.
type RepoSettings struct {
	Description string
	Ignore      []string
	Root        string
	Enabled     bool
}

// DefaultRepoSettings applies when a repository has no settings file.
func DefaultRepoSettings() RepoSettings {
	return RepoSettings{Enabled: true}
}

// ParseRepoSettings decodes times-square.yaml. An empty document yields
// the defaults.
func ParseRepoSettings(data []byte) (RepoSettings, error) {
	out := DefaultRepoSettings()
	root, err := documentMapping(RepoSettingsPath, data)
	if err != nil || root == nil {
		return out, err
	}
	err = eachField(RepoSettingsPath, root, func(key string, value *yaml.Node) error {
		switch key {
		case "description":
			return decodeNode(RepoSettingsPath, value, &out.Description)
		case "ignore":
			return decodeNode(RepoSettingsPath, value, &out.Ignore)
		case "root":
			return decodeNode(RepoSettingsPath, value, &out.Root)
		case "enabled":
			return decodeNode(RepoSettingsPath, value, &out.Enabled)
		default:
			return nil
		}
	})
	if err != nil {
		return RepoSettings{}, err
	}
	out.Root = strings.Trim(path.Clean("/"+out.Root), "/")
	for _, pattern := range out.Ignore {
		if _, err := path.Match(pattern, ""); err != nil {
			return RepoSettings{}, &domain.SyncParseError{Path: RepoSettingsPath, Message: fmt.Sprintf("ignore pattern %q: %v", pattern, err)}
		}
	}
	return out, nil
}

// Ignored reports whether p matches any ignore glob. Relative patterns
// match against the trailing path segments, absolute ones against the
// whole path.
func (s RepoSettings) Ignored(p string) bool {
	for _, pattern := range s.Ignore {
		if matchGlob(pattern, p) {
			return true
		}
	}
	return false
}

// InRoot reports whether p lives under the notebook root.
func (s RepoSettings) InRoot(p string) bool {
	if s.Root == "" {
		return true
	}
	return strings.HasPrefix(p, s.Root+"/")
}

// DisplayPrefix is dir relative to the notebook root, or "" at the root.
func (s RepoSettings) DisplayPrefix(dir string) string {
	if dir == "." {
		dir = ""
	}
	if s.Root == "" {
		return dir
	}
	if dir == s.Root {
		return ""
	}
	return strings.TrimPrefix(dir, s.Root+"/")
}

func matchGlob(pattern, p string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	anchored := strings.HasPrefix(pattern, "/")
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(p, "/"), "/")
	if len(patParts) > len(pathParts) || (anchored && len(patParts) != len(pathParts)) {
		return false
	}
	offset := len(pathParts) - len(patParts)
	for i, part := range patParts {
		ok, err := path.Match(part, pathParts[offset+i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func documentMapping(file string, data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, yamlError(file, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, nodeError(file, root, "expected a mapping at the top level")
	}
	return root, nil
}

func eachField(file string, mapping *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	seen := map[string]struct{}{}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode, valueNode := mapping.Content[i], mapping.Content[i+1]
		if _, dup := seen[keyNode.Value]; dup {
			return nodeError(file, keyNode, fmt.Sprintf("duplicate key %q", keyNode.Value))
		}
		seen[keyNode.Value] = struct{}{}
		if err := fn(keyNode.Value, valueNode); err != nil {
			return err
		}
	}
	return nil
}

func decodeNode(file string, node *yaml.Node, out any) error {
	if err := node.Decode(out); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
			return nodeError(file, node, strings.TrimPrefix(typeErr.Errors[0], "line "+strconv.Itoa(node.Line)+": "))
		}
		return nodeError(file, node, err.Error())
	}
	return nil
}

func nodeError(file string, node *yaml.Node, msg string) error {
	return &domain.SyncParseError{Path: file, Line: node.Line, Column: node.Column, Message: msg}
}

var yamlLine = regexp.MustCompile(`^yaml: line (\d+): (.*)$`)

func yamlError(file string, err error) error {
	msg := err.Error()
	if m := yamlLine.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[1])
		return &domain.SyncParseError{Path: file, Line: line, Column: 1, Message: m[2]}
	}
	return &domain.SyncParseError{Path: file, Message: strings.TrimPrefix(msg, "yaml: ")}
}
