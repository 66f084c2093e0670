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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuflow/platform/shared/types"
)

// sseClient connects to the event stream over a real HTTP server, since
// SSE needs http.Flusher.
type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func dialSSE(t *testing.T, fx *serverFixture, userID string) *sseClient {
	t.Helper()

	ts := httptest.NewServer(fx.srv.Routes())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	token := signToken(t, testSecret, userID, false, time.Hour)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/documents/events?access_token="+token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")

	return &sseClient{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
}

// readFrame returns the next SSE frame (lines up to the blank separator).
func (c *sseClient) readFrame(t *testing.T) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return strings.TrimSuffix(sb.String(), "\n")
		}
		sb.WriteString(line)
	}
}

type sseEnvelope struct {
	Type      string                `json:"type"`
	Data      types.DocumentSummary `json:"data"`
	Timestamp time.Time             `json:"timestamp"`
}

func decodeFrame(t *testing.T, frame string) sseEnvelope {
	t.Helper()
	require.True(t, strings.HasPrefix(frame, "data: "), "expected data frame, got %q", frame)
	var env sseEnvelope
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &env))
	return env
}

func TestEventStreamDeliversOwnEvents(t *testing.T) {
	fx := newServerFixture(t)
	client := dialSSE(t, fx, "user-1")

	connected := decodeFrame(t, client.readFrame(t))
	assert.Equal(t, "connected", connected.Type)
	assert.False(t, connected.Timestamp.IsZero())

	// Another user's event must never reach this stream.
	fx.bus.Publish(types.DocumentEvent{
		Type:      types.EventCompleted,
		UserID:    "user-2",
		Document:  types.DocumentSummary{ID: "foreign", Status: types.StatusCompleted},
		Timestamp: time.Now().UTC(),
	})
	conf := 0.97
	fx.bus.Publish(types.DocumentEvent{
		Type:      types.EventCompleted,
		UserID:    "user-1",
		Document:  types.DocumentSummary{ID: "doc-9", Status: types.StatusCompleted, Confidence: &conf},
		Timestamp: time.Now().UTC(),
	})

	event := decodeFrame(t, client.readFrame(t))
	assert.Equal(t, "document.completed", event.Type)
	assert.Equal(t, "doc-9", event.Data.ID)
	assert.Equal(t, types.StatusCompleted, event.Data.Status)
	require.NotNil(t, event.Data.Confidence)
	assert.InDelta(t, 0.97, *event.Data.Confidence, 1e-9)
}

func TestEventStreamSendsHeartbeats(t *testing.T) {
	fx := newServerFixture(t)
	fx.srv.heartbeat = 20 * time.Millisecond

	client := dialSSE(t, fx, "user-1")
	_ = client.readFrame(t) // connected

	frame := client.readFrame(t)
	assert.Equal(t, ": heartbeat", frame)
}

func TestEventStreamStopsWhenClientDisconnects(t *testing.T) {
	fx := newServerFixture(t)
	client := dialSSE(t, fx, "user-1")
	_ = client.readFrame(t) // connected

	require.Equal(t, 1, fx.bus.SubscriberCount())

	client.cancel()
	require.Eventually(t, func() bool {
		return fx.bus.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "subscription should end with the request")
}

func TestEventStreamRejectsBadToken(t *testing.T) {
	fx := newServerFixture(t)
	ts := httptest.NewServer(fx.srv.Routes())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/documents/events?access_token=not-a-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
