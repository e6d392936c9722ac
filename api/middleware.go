package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/utils"
)

const SignatureHeader = "X-Signature"

// RequireSignature rejects requests whose X-Signature is not the hex
// HMAC-SHA256 of the raw body under secret. The body is restored for the
// next handler.
func RequireSignature(secret []byte, log logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNoop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(SignatureHeader)
			if sig == "" {
				log.Warn("missing request signature", map[string]any{"path": r.URL.Path})
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: types.ErrInvalidRequest, Message: "missing signature"})
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, types.WrapError(types.ErrInvalidRequest, "read body", err))
				return
			}
			_ = r.Body.Close()

			if !utils.VerifyBodySignature(secret, body, sig) {
				log.Warn("invalid request signature", map[string]any{"path": r.URL.Path})
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: types.ErrInvalidRequest, Message: "invalid signature"})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
