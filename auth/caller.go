package auth

import (
	"errors"
	"sync"
)

// ErrUnauthorizedCaller is returned when a caller credential is unknown or
// expired.
var ErrUnauthorizedCaller = errors.New("unauthorized caller")

// Subject identifies an authenticated caller. The preview core only
// compares it against an instance's recorded owner.
type Subject struct {
	ID string
}

// Authenticator validates caller credentials. Implementations live outside
// the preview core; StaticAuthenticator covers single-node deployments and
// tests.
type Authenticator interface {
	ValidateCaller(credential string) (Subject, error)
}

// StaticAuthenticator maps opaque credentials to subjects.
type StaticAuthenticator struct {
	mu       sync.RWMutex
	subjects map[string]Subject
}

// NewStaticAuthenticator creates an authenticator with an initial credential
// set.
func NewStaticAuthenticator(credentials map[string]Subject) *StaticAuthenticator {
	subjects := make(map[string]Subject, len(credentials))
	for cred, sub := range credentials {
		subjects[cred] = sub
	}
	return &StaticAuthenticator{subjects: subjects}
}

// ValidateCaller resolves a credential to its subject.
func (a *StaticAuthenticator) ValidateCaller(credential string) (Subject, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sub, ok := a.subjects[credential]
	if !ok {
		return Subject{}, ErrUnauthorizedCaller
	}
	return sub, nil
}

// AddCredential registers a credential at runtime.
func (a *StaticAuthenticator) AddCredential(credential string, subject Subject) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects[credential] = subject
}
