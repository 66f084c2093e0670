// Copyright 2025 DocuFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"docuflow/platform/llm"
	"docuflow/platform/store"
)

// APIError is an HTTP-mapped error a handler can return directly.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// badRequest builds a 400 validation error.
func badRequest(format string, args ...any) *APIError {
	return &APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// errorResponse is the wire shape of every error reply.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	response := errorResponse{
		Success: false,
		Error:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// respondError maps domain errors onto the HTTP error table. Owner
// mismatches surface as not-found so callers cannot probe for existence.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var apiErr *APIError
	var stateErr *store.StateError

	switch {
	case errors.As(err, &apiErr):
		sendErrorResponse(w, apiErr.Message, apiErr.StatusCode)
		return
	case store.IsNotFound(err):
		sendErrorResponse(w, "Document not found", http.StatusNotFound)
		return
	case errors.As(err, &stateErr):
		sendErrorResponse(w, stateErr.Error(), http.StatusConflict)
		return
	case isRateLimited(err):
		sendErrorResponse(w, "Rate limited, retry later", http.StatusTooManyRequests)
		return
	}

	s.logger.Error("", "", fallback, map[string]interface{}{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	sendErrorResponse(w, fallback, http.StatusInternalServerError)
}

// isRateLimited reports whether an exhausted retry loop ended on a
// provider rate limit.
func isRateLimited(err error) bool {
	var perr *llm.ProviderError
	return errors.As(err, &perr) && perr.Code == llm.ErrCodeRateLimit
}
