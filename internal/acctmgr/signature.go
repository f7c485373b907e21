package acctmgr

import (
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/gridpulse/gridpulse/internal/core"
)

// verifyURLSignature checks a base64 Ed25519 signature over the
// project URL against the manager's base64-encoded signing key. An
// unverifiable signature means the attach line item must be skipped.
func verifyURLSignature(signingKey, projectURL, signature string) error {
	key, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad signing key", core.ErrBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature encoding", core.ErrBadSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(key), []byte(projectURL), sig) {
		return core.ErrBadSignature
	}
	return nil
}
