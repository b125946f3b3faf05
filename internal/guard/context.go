package guard

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Operations a SecurityContext may grant.
const (
	OpRead    = "read"
	OpWrite   = "write"
	OpDelete  = "delete"
	OpExecute = "execute"
	OpAnalyze = "analyze"
)

// SecurityContext scopes all guarded operations to one project. It is created
// once at startup and never mutated afterwards.
type SecurityContext struct {
	ProjectRoot string   `json:"project_root"`
	AllowedOps  []string `json:"allowed_operations"`
	Token       string   `json:"security_token"`
}

// NewSecurityContext validates the project root and mints an opaque token.
// The root is created when absent; a root that exists but is not a directory
// is a fatal constructor error.
func NewSecurityContext(projectRoot string) (SecurityContext, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return SecurityContext{}, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return SecurityContext{}, fmt.Errorf("create project root: %w", err)
		}
	case err != nil:
		return SecurityContext{}, fmt.Errorf("stat project root: %w", err)
	case !info.IsDir():
		return SecurityContext{}, fmt.Errorf("project root %s is not a directory", abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if _, err := os.ReadDir(abs); err != nil {
		return SecurityContext{}, fmt.Errorf("project root not accessible: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return SecurityContext{}, err
	}
	return SecurityContext{
		ProjectRoot: abs,
		AllowedOps:  []string{OpRead, OpWrite, OpAnalyze},
		Token:       token,
	}, nil
}

// VerifyToken compares a presented token against the context token in
// constant time.
func (c SecurityContext) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.Token)) == 1
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate security token: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
