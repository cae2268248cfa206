package sshrelay

import (
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKey generates a PEM encoded keypair to use for the SSH server end,
// using an optional seed that will produce the same keypair every time. If
// seed is "", a random key will be generated.
func GenerateKey(seed string) ([]byte, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = NewDetermRand([]byte(seed))
	}
	// ed25519 keys are derived from the seed alone, so a seeded reader always
	// yields the same key
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	b, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal ed25519 private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}), nil
}

// GenerateSigner generates a keypair as GenerateKey does and parses it into
// an ssh.Signer
func GenerateSigner(seed string) (ssh.Signer, error) {
	key, err := GenerateKey(seed)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// FingerprintKey returns a standard fingerprint hash string for an SSH
// public key, which relay clients can use to authenticate the server.
func FingerprintKey(k ssh.PublicKey) string {
	bytes := md5.Sum(k.Marshal())
	strbytes := make([]string, len(bytes))
	for i, b := range bytes {
		strbytes[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(strbytes, ":")
}

// Deterministic crypto.Reader
// overview: half the result is used as the output
// [a|...] -> sha512(a) -> [b|output] -> sha512(b)

// DetermRandIter is the number of times a seed is hashed with SHA-512 to produce
// starting state of a pseudo-random stream
const DetermRandIter = 2048

// DetermRand keeps running state for a pseudorandom byte stream
type DetermRand struct {
	next []byte
}

// NewDetermRand creates an io.Reader that produces pseudo random bytes that
// are deterministic from a seed
func NewDetermRand(seed []byte) *DetermRand {
	next := seed
	for i := 0; i < DetermRandIter; i++ {
		next, _ = hash(next)
	}
	return &DetermRand{next: next}
}

func (d *DetermRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := hash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func hash(input []byte) (next []byte, output []byte) {
	nextout := sha512.Sum512(input)
	return nextout[:sha512.Size/2], nextout[sha512.Size/2:]
}

// ParseAuth parses a ":"-delimited user:password pair. Returns two empty
// strings if the input does not contain ":"
func ParseAuth(auth string) (string, string) {
	if user, pass, ok := strings.Cut(auth, ":"); ok {
		return user, pass
	}
	return "", ""
}
