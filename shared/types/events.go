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

package types

import "time"

// EventType names a document state change carried over the event bus.
// Stage-completion progress is emitted as EventProcessing with the stage
// name set in the snapshot.
type EventType string

const (
	EventCreated    EventType = "document.created"
	EventUpdated    EventType = "document.updated"
	EventProcessing EventType = "document.processing"
	EventCompleted  EventType = "document.completed"
	EventFailed     EventType = "document.failed"
	EventDeleted    EventType = "document.deleted"
)

// String returns the string representation of the EventType
func (t EventType) String() string {
	return string(t)
}

// DocumentEvent is the ephemeral pub/sub payload fanned out to subscribers.
// Events are never persisted; the Document row is the source of truth and
// subscribers must treat the snapshot's status as authoritative regardless
// of delivery order.
type DocumentEvent struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"-"`
	Document  DocumentSummary `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// UploadedJob is the payload of the document/uploaded ingest event. The
// broker re-delivers it at least once; Attempt counts deliveries observed
// by the publisher side (1-based on first publish). Premium carries the
// uploader's plan tier into the provider fan-out policy.
type UploadedJob struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	ObjectKey  string `json:"objectKey"`
	Bucket     string `json:"bucket"`
	MimeType   string `json:"mimeType"`
	FileSize   int64  `json:"fileSize"`
	Attempt    int    `json:"attempt"`
	Premium    bool   `json:"premium,omitempty"`
}
