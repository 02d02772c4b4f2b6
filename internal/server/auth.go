package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/receipts-ledger/internal/common"
)

// Authenticator turns a request into the caller's user id. Credential checks live
// in front of this service; implementations only read what the gateway forwarded.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

// HeaderAuthenticator reads a positive user id from a trusted header.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(a.Header))
	if raw == "" {
		return 0, common.NewAppError(common.CodeUnauthorized, "authentication required", common.ErrUnauthorized)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, common.NewAppError(common.CodeUnauthorized, "invalid user id", common.ErrUnauthorized)
	}
	return id, nil
}
