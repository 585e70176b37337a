package handlers

import (
	"net/http"

	"github.com/marmos91/ntlmgate/pkg/api/middleware"
)

// WhoamiResponse describes the identity of the authenticated caller.
type WhoamiResponse struct {
	Account    string              `json:"account"`
	DN         string              `json:"dn,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	ConnID     string              `json:"conn_id"`
}

// Whoami handles GET /whoami - echo the authenticated identity.
//
// Must be mounted behind the NTLMAuth middleware; the identity comes from
// the request context.
func Whoami(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetIdentityFromContext(r.Context())
	if user == nil {
		// Route wired without the NTLMAuth middleware.
		writeJSON(w, http.StatusInternalServerError, unhealthyResponse("no identity in request context"))
		return
	}

	writeJSON(w, http.StatusOK, okResponse(WhoamiResponse{
		Account:    user.Account(),
		DN:         user.DN,
		Attributes: user.Attributes,
		ConnID:     middleware.GetConnIDFromContext(r.Context()),
	}))
}
