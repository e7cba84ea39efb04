package pool

import (
	"net/url"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// ClusterIdentity names an executor cluster. Two identities are the same
// cluster when base URL and name agree; the config repo URL is carried along
// for fingerprinting only.
type ClusterIdentity struct {
	name          string
	baseURL       string
	configRepoURL string
}

// NewClusterIdentity validates and builds a ClusterIdentity.
func NewClusterIdentity(name, baseURL, configRepoURL string) (ClusterIdentity, error) {
	if err := ValidateName("cluster name", name); err != nil {
		return ClusterIdentity{}, err
	}
	base, err := parseEndpointURL("cluster url", baseURL)
	if err != nil {
		return ClusterIdentity{}, err
	}
	if err := ValidateRepoURL(configRepoURL); err != nil {
		return ClusterIdentity{}, err
	}
	return ClusterIdentity{
		name:          name,
		baseURL:       base,
		configRepoURL: configRepoURL,
	}, nil
}

// MustClusterIdentity is NewClusterIdentity for static values; it panics on error.
func MustClusterIdentity(name, baseURL, configRepoURL string) ClusterIdentity {
	id, err := NewClusterIdentity(name, baseURL, configRepoURL)
	if err != nil {
		panic(err)
	}
	return id
}

func (c ClusterIdentity) Name() string          { return c.name }
func (c ClusterIdentity) BaseURL() string       { return c.baseURL }
func (c ClusterIdentity) ConfigRepoURL() string { return c.configRepoURL }

// IsZero reports whether c was never constructed.
func (c ClusterIdentity) IsZero() bool { return c.name == "" }

// Equal compares by base URL and name.
func (c ClusterIdentity) Equal(other ClusterIdentity) bool {
	return c.baseURL == other.baseURL && c.name == other.name
}

func (c ClusterIdentity) String() string {
	return c.name + "@" + c.baseURL
}

// ValidateName checks that value is a safe identifier: non-empty, at most 253
// characters of [-._a-zA-Z0-9].
func ValidateName(field, value string) error {
	if value == "" {
		return NewValidationError(field, value, "must not be empty")
	}
	if errs := validation.IsConfigMapKey(value); len(errs) > 0 {
		return NewValidationError(field, value, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRepoURL checks the syntax of a config repository URL.
func ValidateRepoURL(value string) error {
	if value == "" {
		return NewValidationError("config repo url", value, "must not be empty")
	}
	u, err := url.Parse(value)
	if err != nil {
		return NewValidationError("config repo url", value, err.Error())
	}
	if u.Scheme == "" || (u.Host == "" && u.Path == "") {
		return NewValidationError("config repo url", value, "must be an absolute URL")
	}
	return nil
}

// parseEndpointURL accepts http(s) URLs with a host and returns them without
// a trailing slash.
func parseEndpointURL(field, value string) (string, error) {
	if value == "" {
		return "", NewValidationError(field, value, "must not be empty")
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", NewValidationError(field, value, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", NewValidationError(field, value, "scheme must be http or https")
	}
	if u.Host == "" {
		return "", NewValidationError(field, value, "host is required")
	}
	return strings.TrimRight(value, "/"), nil
}
