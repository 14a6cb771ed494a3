package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(secret string, body []byte, header string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("webhook secret is required")
	}
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(Sign(secret, body), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way GitHub sends it.
func SignatureHeader(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}

type Installation struct {
	ID int64 `json:"id"`
}

type WebhookRepository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// InstallationRepository is the short repository form used by the
// installation events.
type InstallationRepository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

// OwnerRepo splits full_name.
func (r InstallationRepository) OwnerRepo() (string, string, bool) {
	owner, repo, ok := strings.Cut(r.FullName, "/")
	return owner, repo, ok && owner != "" && repo != ""
}

type PushEvent struct {
	Ref          string            `json:"ref"`
	Before       string            `json:"before"`
	After        string            `json:"after"`
	Repository   WebhookRepository `json:"repository"`
	Installation Installation      `json:"installation"`
}

// OnDefaultBranch reports whether the push updated the default branch.
func (e PushEvent) OnDefaultBranch() bool {
	return e.Ref == "refs/heads/"+e.Repository.DefaultBranch
}

type InstallationEvent struct {
	Action       string                   `json:"action"`
	Installation Installation             `json:"installation"`
	Repositories []InstallationRepository `json:"repositories"`
}

type InstallationRepositoriesEvent struct {
	Action              string                   `json:"action"`
	Installation        Installation             `json:"installation"`
	RepositoriesAdded   []InstallationRepository `json:"repositories_added"`
	RepositoriesRemoved []InstallationRepository `json:"repositories_removed"`
}

type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository   WebhookRepository `json:"repository"`
	Installation Installation      `json:"installation"`
}

type CheckSuiteEvent struct {
	Action     string `json:"action"`
	CheckSuite struct {
		HeadSHA    string `json:"head_sha"`
		HeadBranch string `json:"head_branch"`
	} `json:"check_suite"`
	Repository   WebhookRepository `json:"repository"`
	Installation Installation      `json:"installation"`
}

type CheckRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		ExternalID string `json:"external_id"`
		HeadSHA    string `json:"head_sha"`
		CheckSuite struct {
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
	} `json:"check_run"`
	Repository   WebhookRepository `json:"repository"`
	Installation Installation      `json:"installation"`
}
