package httpconn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
)

// Request and response header names carrying the shuffle handshake.
// These names are an interop contract with the serving daemon.
const (
	URLHashHeader   = "UrlHash"
	ReplyHashHeader = "ReplyHash"
)

// SignURL computes the base64 HMAC-SHA1 of the URL's path and query
// under the shared shuffle secret. The server recomputes the same hash
// to authenticate the request.
func SignURL(secret []byte, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url for signing: %w", err)
	}
	msg := u.Path
	if u.RawQuery != "" {
		msg += "?" + u.RawQuery
	}
	return hashBase64(secret, []byte(msg)), nil
}

// ReplyHash derives the hash the server must echo: the HMAC of the
// request's URL hash.
func ReplyHash(secret []byte, urlHash string) string {
	return hashBase64(secret, []byte(urlHash))
}

// VerifyReply checks the server's echoed hash before any response bytes
// are trusted.
func VerifyReply(secret []byte, urlHash, reply string) error {
	expected := ReplyHash(secret, urlHash)
	if !hmac.Equal([]byte(expected), []byte(reply)) {
		return fmt.Errorf("reply hash mismatch: got %q", reply)
	}
	return nil
}

func hashBase64(secret, msg []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
