package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// AnonymousUser is the identity segment used when no session is available.
const AnonymousUser = "anon"

// Fingerprinter derives request fingerprints with a KeySerializer.
type Fingerprinter struct {
	serializer KeySerializer
}

// NewFingerprinter returns a Fingerprinter using ks, or the default serializer when nil.
func NewFingerprinter(ks KeySerializer) Fingerprinter {
	if ks == nil {
		ks = NewDefaultKeySerializer()
	}
	return Fingerprinter{serializer: ks}
}

// Fingerprint returns METHOD::endpoint::bodyDigest::user. Identical inputs share
// cache entries, in-flight requests and subscribers.
func (f Fingerprinter) Fingerprint(method, endpoint string, body any, user string) string {
	if method == "" {
		method = "GET"
	}
	if user == "" {
		user = AnonymousUser
	}
	return f.serializer.SerializeKey(strings.ToUpper(method), endpoint, f.BodyDigest(body), user)
}

// BodyDigest hashes the serialized body with xxhash. A nil body digests to "-".
func (f Fingerprinter) BodyDigest(body any) string {
	if body == nil {
		return "-"
	}

	var sum uint64
	switch typed := body.(type) {
	case []byte:
		if len(typed) == 0 {
			return "-"
		}
		sum = xxhash.Sum64(typed)
	case string:
		if typed == "" {
			return "-"
		}
		sum = xxhash.Sum64String(typed)
	default:
		sum = xxhash.Sum64String(f.serializer.SerializeKey("body", body))
	}

	return strconv.FormatUint(sum, 16)
}

var defaultFingerprinter = NewFingerprinter(nil)

// Fingerprint uses the default serializer.
func Fingerprint(method, endpoint string, body any, user string) string {
	return defaultFingerprinter.Fingerprint(method, endpoint, body, user)
}
