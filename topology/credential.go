package topology

import (
	"golang.org/x/crypto/bcrypt"
)

// Credential is an opaque DBA credential.  It never renders its secret.
type Credential struct {
	secret string
}

func NewCredential(secret string) Credential {
	return Credential{secret: secret}
}

func (c Credential) Secret() string {
	return c.secret
}

func (c Credential) IsZero() bool {
	return c.secret == ""
}

// Hash is the salted bcrypt form in which the shard management authority
// stores the credential of a database.
func (c Credential) Hash() (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(c.secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Matches reports whether hash was produced by Hash from this credential.
func (c Credential) Matches(hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.secret)) == nil
}

func (c Credential) String() string {
	return "[redacted]"
}

func (c Credential) GoString() string {
	return "topology.Credential{[redacted]}"
}
