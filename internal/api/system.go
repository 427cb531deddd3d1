// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/openleads/scraperd/internal/version"
)

// handleVersion reports the build metadata stamped at compile time.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
	})
}
