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
	"fmt"
	"net/http"
	"time"

	"docuflow/platform/events"
)

// connectedRecord is the first SSE record on every stream, so clients can
// distinguish an open stream from a stalled connect.
type connectedRecord struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents streams the caller's document events as Server-Sent Events.
// Delivery is best effort: the bus drops events for subscribers that stop
// reading, and a write failure ends only this stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendErrorResponse(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), events.UserTopic(principal.UserID))
	if err != nil {
		sendErrorResponse(w, "Event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	promSSEClients.Inc()
	defer promSSEClients.Dec()

	if err := writeSSE(w, connectedRecord{Type: "connected", Timestamp: time.Now().UTC()}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				s.logger.Debug(principal.UserID, event.Document.ID, "SSE write failed, closing stream", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one data record. types.DocumentEvent marshals directly
// into the wire shape {"type", "data", "timestamp"}.
func writeSSE(w http.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
