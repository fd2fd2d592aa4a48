package broker

import "crypto/subtle"

// Authenticator implements the AUTH capability handshake: a client sends
// a shared secret; the broker decides whether the connection is
// authorized to SUB.
//
// There is no per-topic or per-channel ACL here, only connection-wide
// authorization, matching the minimal capability surface described for
// AUTH: a yes/no gate in front of SUB. PUB, MPUB and DPUB are not gated.
type Authenticator struct {
	secrets map[string]struct{}
}

// NewAuthenticator builds an Authenticator that accepts any secret in
// the given set. An empty set means every AUTH attempt is rejected.
func NewAuthenticator(secrets []string) *Authenticator {
	a := &Authenticator{secrets: make(map[string]struct{}, len(secrets))}
	for _, s := range secrets {
		a.secrets[s] = struct{}{}
	}
	return a
}

// Authorize reports whether secret is one of the configured values. It
// compares secret against every configured value with
// subtle.ConstantTimeCompare instead of a map lookup, so a timing attack
// can't narrow down a correct secret from a near miss. clientID is not
// consulted.
func (a *Authenticator) Authorize(clientID, secret string) (bool, error) {
	for known := range a.secrets {
		if subtle.ConstantTimeCompare([]byte(known), []byte(secret)) == 1 {
			return true, nil
		}
	}
	return false, nil
}
