package obsws

import (
	"crypto/sha256"
	"encoding/base64"
)

// authResponse computes the credential string for an authentication
// challenge: base64(sha256(base64(sha256(password + salt)) + challenge)).
// The intermediate secret never leaves this function.
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	proof := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(proof[:])
}
