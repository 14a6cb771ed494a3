package settingsfile

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
)

// Sidecar is the content of a notebook's {stem}.yaml file.
type Sidecar struct {
	Title       string
	Description string
	Authors     []domain.Person
	Tags        []string
	Enabled     bool
	CacheTTL    *time.Duration
	Timeout     *time.Duration
	Parameters  *params.Schemas
}

type sidecarPerson struct {
	Name        string `yaml:"name"`
	Username    string `yaml:"username"`
	Affiliation string `yaml:"affiliation_name"`
	Email       string `yaml:"email"`
	SlackName   string `yaml:"slack_name"`
}

// ParseSidecar decodes a sidecar. file names the sidecar in errors.
func ParseSidecar(file string, data []byte) (Sidecar, error) {
	out := Sidecar{Enabled: true, Parameters: params.NewSchemas()}
	root, err := documentMapping(file, data)
	if err != nil || root == nil {
		return out, err
	}
	err = eachField(file, root, func(key string, value *yaml.Node) error {
		switch key {
		case "title":
			return decodeNode(file, value, &out.Title)
		case "description":
			return decodeNode(file, value, &out.Description)
		case "tags":
			return decodeNode(file, value, &out.Tags)
		case "enabled":
			return decodeNode(file, value, &out.Enabled)
		case "authors":
			authors, err := parseAuthors(file, value)
			out.Authors = authors
			return err
		case "cache_ttl":
			ttl, err := parseDuration(file, value)
			out.CacheTTL = ttl
			return err
		case "timeout":
			timeout, err := parseDuration(file, value)
			out.Timeout = timeout
			return err
		case "parameters":
			schemas, err := parseParameters(file, value)
			out.Parameters = schemas
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return Sidecar{}, err
	}
	return out, nil
}

func parseAuthors(file string, node *yaml.Node) ([]domain.Person, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, nodeError(file, node, "authors must be a list")
	}
	out := make([]domain.Person, 0, len(node.Content))
	for _, item := range node.Content {
		var p sidecarPerson
		if err := decodeNode(file, item, &p); err != nil {
			return nil, err
		}
		if p.Name == "" && p.Username == "" {
			return nil, nodeError(file, item, "either name or username must be set for a person")
		}
		if p.Email != "" && !strings.Contains(p.Email, "@") {
			return nil, nodeError(file, item, fmt.Sprintf("%q is not an email address", p.Email))
		}
		name := p.Name
		if name == "" {
			name = p.Username
		}
		out = append(out, domain.Person{
			Name:        name,
			Username:    p.Username,
			Affiliation: p.Affiliation,
			Email:       p.Email,
			SlackName:   p.SlackName,
		})
	}
	return out, nil
}

// parseDuration accepts a number of seconds or a Go duration string such
// as "90s" or "1h30m".
func parseDuration(file string, node *yaml.Node) (*time.Duration, error) {
	if node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.ScalarNode {
		return nil, nodeError(file, node, "expected a duration")
	}
	raw := strings.TrimSpace(node.Value)
	var d time.Duration
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return nil, nodeError(file, node, fmt.Sprintf("invalid duration %q", raw))
		}
		d = time.Duration(secs * float64(time.Second))
	} else {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, nodeError(file, node, fmt.Sprintf("invalid duration %q", raw))
		}
		d = parsed
	}
	if d <= 0 {
		return nil, nodeError(file, node, "duration must be positive")
	}
	return &d, nil
}

func parseParameters(file string, node *yaml.Node) (*params.Schemas, error) {
	schemas := params.NewSchemas()
	if node.Tag == "!!null" {
		return schemas, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, nodeError(file, node, "parameters must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		nameNode, schemaNode := node.Content[i], node.Content[i+1]
		name := nameNode.Value
		if err := params.ValidateName(name); err != nil {
			return nil, nodeError(file, nameNode, err.Error())
		}
		if _, dup := schemas.Get(name); dup {
			return nil, nodeError(file, nameNode, fmt.Sprintf("duplicate parameter %q", name))
		}
		var raw map[string]any
		if err := decodeNode(file, schemaNode, &raw); err != nil {
			return nil, err
		}
		data, err := json.Marshal(normalizeYAML(raw))
		if err != nil {
			return nil, nodeError(file, schemaNode, err.Error())
		}
		var schema params.Schema
		if err := json.Unmarshal(data, &schema); err != nil {
			return nil, nodeError(file, schemaNode, fmt.Sprintf("parameter %s: %v", name, err))
		}
		if strings.TrimSpace(schema.Description) == "" {
			return nil, nodeError(file, schemaNode, fmt.Sprintf("parameter %s: description is required", name))
		}
		if err := schemas.Set(name, schema); err != nil {
			return nil, nodeError(file, schemaNode, err.Error())
		}
	}
	return schemas, nil
}

// normalizeYAML makes decoded YAML JSON-encodable.
func normalizeYAML(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = normalizeYAML(val)
		}
		return out
	case time.Time:
		if typed.Hour() == 0 && typed.Minute() == 0 && typed.Second() == 0 && typed.Nanosecond() == 0 && typed.Location() == time.UTC {
			return typed.Format(time.DateOnly)
		}
		return typed.Format(time.RFC3339Nano)
	default:
		return v
	}
}
