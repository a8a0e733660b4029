package projects

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// DefaultIterations is the pbkdf2 work factor used by HashPassword and
// assumed for hashes that omit it.
const DefaultIterations = 600000

const saltChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var digests = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// HashPassword returns a salted `pbkdf2:sha256:<iter>$<salt>$<hex>` hash.
func HashPassword(password string) (string, error) {
	salt, err := genSalt(16)
	if err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(password), []byte(salt), DefaultIterations, sha256.Size, sha256.New)
	return "pbkdf2:sha256:" + strconv.Itoa(DefaultIterations) + "$" + salt + "$" + hex.EncodeToString(key), nil
}

func genSalt(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = saltChars[int(b)%len(saltChars)]
	}
	return string(buf), nil
}

// CheckPassword verifies password against a stored credential. Stored values
// in the `method$salt$hex` form are pbkdf2 or scrypt hashes; anything else is
// a plain password kept in the CSV.
func CheckPassword(stored, password string) bool {
	method, rest, ok := strings.Cut(stored, "$")
	if !ok {
		return equal([]byte(stored), []byte(password))
	}
	salt, want, ok := strings.Cut(rest, "$")
	if !ok {
		return false
	}
	wantKey, err := hex.DecodeString(want)
	if err != nil || len(wantKey) == 0 {
		return false
	}

	parts := strings.Split(method, ":")
	switch parts[0] {
	case "pbkdf2":
		if len(parts) < 2 {
			return false
		}
		h, ok := digests[parts[1]]
		if !ok {
			return false
		}
		iter := DefaultIterations
		if len(parts) > 2 {
			if iter, err = strconv.Atoi(parts[2]); err != nil || iter <= 0 {
				return false
			}
		}
		key := pbkdf2.Key([]byte(password), []byte(salt), iter, len(wantKey), h)
		return equal(key, wantKey)
	case "scrypt":
		n, r, p := 32768, 8, 1
		if len(parts) == 4 {
			var e1, e2, e3 error
			n, e1 = strconv.Atoi(parts[1])
			r, e2 = strconv.Atoi(parts[2])
			p, e3 = strconv.Atoi(parts[3])
			if e1 != nil || e2 != nil || e3 != nil {
				return false
			}
		}
		key, err := scrypt.Key([]byte(password), []byte(salt), n, r, p, len(wantKey))
		if err != nil {
			return false
		}
		return equal(key, wantKey)
	}
	return false
}

func equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
