package server

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/xdg-go/scram"
	"golang.org/x/crypto/bcrypt"
)

// Supported SASL mechanisms.
const (
	MechPlain       = "PLAIN"
	MechScramSHA256 = "SCRAM-SHA-256"
)

const scramIterations = 4096

// AuthError is an authentication-protocol failure. The session maps it to a
// fixed "authentication failed" reply so no mechanism detail leaks to the
// client.
type AuthError struct {
	Mech  string
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("SASL %s failure: %v", e.Mech, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// IsAuthError reports whether err is an authentication-protocol failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// SaslServer drives one server-side SASL exchange. A session creates one on
// the first token request and discards it once the exchange completes.
type SaslServer struct {
	mech     string
	users    map[string]string
	started  bool
	complete bool
	username string

	scramConv *scram.ServerConversation
}

// NewSaslServer creates the server-side state for the chosen mechanism.
func NewSaslServer(users map[string]string, mech string) (*SaslServer, error) {
	s := &SaslServer{mech: mech, users: users}
	switch mech {
	case MechPlain:
		// client-first, no server state needed up front
	case MechScramSHA256:
		server, err := scram.SHA256.NewServer(s.lookupScramCredentials)
		if err != nil {
			return nil, &AuthError{Mech: mech, Cause: err}
		}
		s.scramConv = server.NewConversation()
	default:
		return nil, &AuthError{Mech: mech, Cause: fmt.Errorf("unsupported mechanism")}
	}
	return s, nil
}

// Response advances the exchange with one client token and returns the next
// server challenge (possibly empty). Both mechanisms are client-first; the
// initial empty token yields the negotiated mechanism name as the opening
// challenge, and the exchange proper starts with the first client token.
func (s *SaslServer) Response(clientToken []byte) ([]byte, error) {
	if !s.started && len(clientToken) == 0 {
		s.started = true
		return []byte(s.mech), nil
	}
	s.started = true

	switch s.mech {
	case MechPlain:
		return s.plainResponse(clientToken)
	case MechScramSHA256:
		return s.scramResponse(clientToken)
	default:
		return nil, &AuthError{Mech: s.mech, Cause: fmt.Errorf("unsupported mechanism")}
	}
}

// Complete reports whether the exchange finished successfully.
func (s *SaslServer) Complete() bool { return s.complete }

// Username returns the authenticated user once Complete is true.
func (s *SaslServer) Username() string { return s.username }

// plainResponse validates an "authzid NUL authcid NUL passwd" token.
func (s *SaslServer) plainResponse(token []byte) ([]byte, error) {
	parts := bytes.Split(token, []byte{0})
	if len(parts) != 3 {
		return nil, &AuthError{Mech: s.mech, Cause: fmt.Errorf("malformed PLAIN token")}
	}
	username := string(parts[1])
	password := string(parts[2])

	if !validateUserPassword(s.users, username, password) {
		return nil, &AuthError{Mech: s.mech, Cause: fmt.Errorf("invalid credentials for %q", username)}
	}
	s.username = username
	s.complete = true
	return nil, nil
}

func (s *SaslServer) scramResponse(token []byte) ([]byte, error) {
	challenge, err := s.scramConv.Step(string(token))
	if err != nil {
		return nil, &AuthError{Mech: s.mech, Cause: err}
	}
	if s.scramConv.Done() {
		if !s.scramConv.Valid() {
			return nil, &AuthError{Mech: s.mech, Cause: fmt.Errorf("conversation did not validate")}
		}
		s.username = s.scramConv.Username()
		s.complete = true
	}
	return []byte(challenge), nil
}

// lookupScramCredentials derives per-conversation SCRAM credentials from the
// configured password. The salt is fresh per conversation; the client learns
// it from the first server message. bcrypt-stored passwords cannot be turned
// into SCRAM keys, those users must authenticate with PLAIN.
func (s *SaslServer) lookupScramCredentials(username string) (scram.StoredCredentials, error) {
	password, ok := s.users[username]
	if !ok {
		return scram.StoredCredentials{}, fmt.Errorf("unknown user %q", username)
	}
	if strings.HasPrefix(password, "$2") {
		return scram.StoredCredentials{}, fmt.Errorf("user %q has a hashed password, SCRAM unavailable", username)
	}
	client, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return scram.StoredCredentials{}, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return scram.StoredCredentials{}, err
	}
	return client.GetStoredCredentials(scram.KeyFactors{Salt: string(salt), Iters: scramIterations}), nil
}

const invalidPasswordSentinel = "__granite_invalid_password_sentinel__"

// validateUserPassword checks a cleartext password against the configured
// entry without leaking user existence via compare timing. Entries starting
// with a bcrypt prefix are verified as bcrypt hashes.
func validateUserPassword(users map[string]string, username, password string) bool {
	expected, userFound := users[username]
	if !userFound {
		expected = invalidPasswordSentinel
	}

	if strings.HasPrefix(expected, "$2") {
		err := bcrypt.CompareHashAndPassword([]byte(expected), []byte(password))
		return userFound && err == nil
	}

	matches := constantTimeStringEqual(password, expected)
	return userFound && matches
}

func constantTimeStringEqual(a, b string) bool {
	ab := []byte(a)
	bb := []byte(b)

	maxLen := len(ab)
	if len(bb) > maxLen {
		maxLen = len(bb)
	}

	var diff byte
	for i := 0; i < maxLen; i++ {
		var av byte
		var bv byte
		if i < len(ab) {
			av = ab[i]
		}
		if i < len(bb) {
			bv = bb[i]
		}
		diff |= av ^ bv
	}

	lengthsEqual := subtle.ConstantTimeEq(int32(len(ab)), int32(len(bb))) == 1
	return lengthsEqual && diff == 0
}
