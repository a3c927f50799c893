// Package quiccrypto derives stateless reset tokens from an endpoint's
// static secret and a connection id. The core itself does not call it:
// Connection.GetNewConnectionID asks Engine.GenerateStatelessResetToken for
// the token, and enginetest's Engine implements that method with this
// package.
package quiccrypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

var resetTokenInfo = []byte("quicore stateless reset token")

// DeriveStatelessResetToken expands staticSecret and cid through HKDF-SHA256
// into a 16-byte stateless reset token, per RFC 9000 §10.3's recommended
// construction.
func DeriveStatelessResetToken(staticSecret [32]byte, cid []byte) ([16]byte, error) {
	var token [16]byte
	r := hkdf.New(sha256.New, staticSecret[:], cid, resetTokenInfo)
	if _, err := io.ReadFull(r, token[:]); err != nil {
		return [16]byte{}, err
	}
	return token, nil
}
