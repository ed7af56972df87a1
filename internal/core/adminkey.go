package core

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"jaquizy/internal/types"
)

// adminKeyHeader carries the shared operator key on admin endpoints.
const adminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware guards operator endpoints with a shared key. Only the
// bcrypt hash of the key lives in configuration; the comparison cost also
// makes brute-forcing the header impractical.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthAdminKeyMissing,
				"missing admin key",
				nil,
			))
			return
		}

		hash := s.Config.Security.AdminKeyHash
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthAdminKeyInvalid,
				"invalid admin key",
				nil,
			))
			return
		}

		next.ServeHTTP(w, r)
	})
}
