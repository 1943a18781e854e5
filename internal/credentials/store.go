package credentials

import (
	"fmt"
	"os"
)

// Handle identifies a credential without exposing its value.
type Handle string

const (
	Registry  Handle = "registry"
	Analysis  Handle = "analysis"
	Artifacts Handle = "artifacts"
)

// Credential is a username/secret pair. The secret never appears in logs:
// both String and GoString render a redacted form, so accidental %v/%s/%#v
// formatting of a credential is safe.
type Credential struct {
	Username string
	secret   string
}

// New builds a credential from its parts.
func New(username, secret string) Credential {
	return Credential{Username: username, secret: secret}
}

// Secret returns the secret value. Callers must pass it through channels
// that are not logged (stdin pipes, Authorization headers).
func (c Credential) Secret() string {
	return c.secret
}

func (c Credential) String() string {
	return fmt.Sprintf("%s:********", c.Username)
}

func (c Credential) GoString() string {
	return c.String()
}

// Store holds the credentials injected at pipeline start. It is scoped to
// one run and never persisted.
type Store struct {
	creds map[Handle]Credential
}

// FromEnv loads the well-known credential handles from the environment.
func FromEnv() *Store {
	return &Store{
		creds: map[Handle]Credential{
			Registry:  New(os.Getenv("REGISTRY_USER"), os.Getenv("REGISTRY_SECRET")),
			Analysis:  New("", os.Getenv("ANALYSIS_TOKEN")),
			Artifacts: New(os.Getenv("ARTIFACT_USER"), os.Getenv("ARTIFACT_SECRET")),
		},
	}
}

// NewStore builds a store from an explicit credential map, used by tests.
func NewStore(creds map[Handle]Credential) *Store {
	return &Store{creds: creds}
}

// Lookup resolves a handle to its credential.
func (s *Store) Lookup(h Handle) (Credential, error) {
	cred, ok := s.creds[h]
	if !ok {
		return Credential{}, fmt.Errorf("unknown credential handle %q", h)
	}
	return cred, nil
}
