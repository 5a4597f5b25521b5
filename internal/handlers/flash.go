package handlers

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const flashCookie = "flash_success"

// flashSigner keeps one-shot messages in an HMAC-signed cookie so a client
// cannot inject its own flash text.
type flashSigner struct {
	secret []byte
}

// newFlashSigner signs with secret, or with a random per-process key when
// secret is empty. Replicas behind one hostname need a shared secret.
func newFlashSigner(secret string) *flashSigner {
	if secret != "" {
		return &flashSigner{secret: []byte(secret)}
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("handlers: cannot generate flash key: " + err.Error())
	}
	return &flashSigner{secret: key}
}

func (f *flashSigner) sign(value []byte) []byte {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write(value)
	return mac.Sum(nil)
}

// encode formats a message as base64(value).base64(signature).
func (f *flashSigner) encode(msg string) string {
	value := []byte(msg)
	return base64.RawURLEncoding.EncodeToString(value) + "." +
		base64.RawURLEncoding.EncodeToString(f.sign(value))
}

func (f *flashSigner) decode(raw string) (string, bool) {
	encValue, encSig, found := strings.Cut(raw, ".")
	if !found {
		return "", false
	}
	value, err := base64.RawURLEncoding.DecodeString(encValue)
	if err != nil {
		return "", false
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(sig, f.sign(value)) {
		return "", false
	}
	return string(value), true
}

// set stores a one-shot message for the next page render.
func (f *flashSigner) set(c *gin.Context, msg string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(flashCookie, f.encode(msg), 0, "/", "", false, true)
}

// pop returns the pending message, if any, and clears it. Unsigned or
// tampered cookies are dropped.
func (f *flashSigner) pop(c *gin.Context) string {
	raw, err := c.Cookie(flashCookie)
	if err != nil || raw == "" {
		return ""
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(flashCookie, "", -1, "/", "", false, true)

	msg, ok := f.decode(raw)
	if !ok {
		return ""
	}
	return msg
}
