package rest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
)

// signatureWindow is how far a signed request's timestamp may drift from
// server time in either direction.
const signatureWindow = 5 * time.Minute

// signed verifies the HMAC envelope on state-changing endpoints that move
// credentials or money. The canonical string is four newline-joined
// fields: unix-seconds timestamp, method, path, hex SHA-256 of the body.
// The client sends the envelope in X-Timestamp and X-Signature. With no
// signing secret configured the middleware is a passthrough.
func (s *Server) signed(next http.HandlerFunc) http.HandlerFunc {
	secret := []byte(s.cfg.Security.SigningSecret)
	if len(secret) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get("X-Signature")
		ts := r.Header.Get("X-Timestamp")
		if sig == "" || ts == "" {
			s.writeError(w, errors.NewUnauthorizedError("request signature required"))
			return
		}

		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			s.writeError(w, errors.NewUnauthorizedError("invalid signature timestamp"))
			return
		}
		if drift := time.Since(time.Unix(unix, 0)); drift > signatureWindow || drift < -signatureWindow {
			s.writeError(w, errors.NewUnauthorizedError("signature timestamp outside acceptance window"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			s.writeError(w, errors.NewValidationError("BODY_TOO_LARGE", "request body exceeds limit"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !hmac.Equal([]byte(canonicalSignature(secret, ts, r.Method, r.URL.Path, body)), []byte(strings.ToLower(sig))) {
			s.writeError(w, errors.NewUnauthorizedError("invalid request signature"))
			return
		}
		next(w, r)
	}
}

// canonicalSignature computes the expected hex HMAC for one request.
func canonicalSignature(secret []byte, ts, method, path string, body []byte) string {
	bodySum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s", ts, method, path, hex.EncodeToString(bodySum[:]))
	return hex.EncodeToString(mac.Sum(nil))
}
