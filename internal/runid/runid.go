// Package runid generates a short, log-friendly correlation identifier for
// one convergence run, the way the teacher tags a session with a UUID-backed
// identifier for cross-referencing log lines.
package runid

import (
	"github.com/eknkc/basex"
	"github.com/google/uuid"
)

// alphabet is a base62-style alphabet (digits + upper/lower letters) chosen
// so the encoded run ID is short and safe to embed in filenames or log
// lines without escaping.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var encoding = mustNewEncoding(alphabet)

func mustNewEncoding(alphabet string) *basex.Encoding {
	enc, err := basex.NewEncoding(alphabet)
	if err != nil {
		panic("runid: invalid alphabet: " + err.Error())
	}
	return enc
}

// tokenLength is the length, in alphabet characters, of the run ID New
// returns.
const tokenLength = 6

// New generates a fresh run ID: a random UUIDv4, truncated to its first 4
// bytes and base62-encoded, then padded or truncated to exactly tokenLength
// characters. The truncation trades collision resistance (this is a log
// correlation tag, not a security token) for a short, skimmable prefix.
func New() string {
	id := uuid.New()
	token := encoding.Encode(id[:4])
	if len(token) >= tokenLength {
		return token[:tokenLength]
	}
	pad := make([]byte, tokenLength-len(token))
	for i := range pad {
		pad[i] = alphabet[0]
	}
	return string(pad) + token
}
