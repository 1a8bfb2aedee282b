package index

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidPageToken is returned for tokens that are malformed, forged,
// or issued for a different filter or sort order
var ErrInvalidPageToken = errors.New("invalid page token")

// cursor is the keyset position carried by a page token
type cursor struct {
	StartTime string `json:"s"`
	RunID     string `json:"r"`
	Order     string `json:"o"`
	Scope     string `json:"f"`
}

type tokenSigner struct {
	key []byte
}

func newTokenSigner(key []byte) *tokenSigner {
	return &tokenSigner{key: append([]byte(nil), key...)}
}

func (t *tokenSigner) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, t.key)
	h.Write(payload)
	return h.Sum(nil)
}

// encode returns payload.signature, both base64url without padding
func (t *tokenSigner) encode(c cursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(t.mac(payload)), nil
}

func (t *tokenSigner) decode(token string) (cursor, error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return cursor{}, ErrInvalidPageToken
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(encPayload)
	if err != nil {
		return cursor{}, ErrInvalidPageToken
	}
	sig, err := enc.DecodeString(encSig)
	if err != nil {
		return cursor{}, ErrInvalidPageToken
	}
	if !hmac.Equal(sig, t.mac(payload)) {
		return cursor{}, ErrInvalidPageToken
	}

	var c cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return cursor{}, ErrInvalidPageToken
	}
	return c, nil
}
