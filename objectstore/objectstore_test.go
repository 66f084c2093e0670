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

package objectstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Key Builder
// ============================================================================

func TestBuildKey(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	key := BuildKey("user-1", "Invoice March.pdf", now)
	assert.Equal(t, "documents/user-1/1700000000000_Invoice_March.pdf", key)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "invoice.pdf", "invoice.pdf"},
		{"spaces become underscores", "scan march 2025.png", "scan_march_2025.png"},
		{"path traversal stripped", "../../etc/passwd", "passwd"},
		{"windows path stripped", `C:\Users\me\receipt.jpg`, "receipt.jpg"},
		{"uppercase extension lowered", "REPORT.PDF", "REPORT.pdf"},
		{"unicode bytes replaced", "fött.webp", "f__tt.webp"},
		{"shell metacharacters", "a;rm -rf$(x).pdf", "a_rm_-rf__x_.pdf"},
		{"no extension", "README", "README"},
		{"empty becomes file", "", "file"},
		{"bare dot becomes file", ".", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFilename(tt.input))
		})
	}
}

func TestSanitizeFilename_CapsStem(t *testing.T) {
	long := strings.Repeat("a", 200) + ".pdf"
	got := SanitizeFilename(long)
	assert.Equal(t, strings.Repeat("a", 80)+".pdf", got)
}

// ============================================================================
// Content Types
// ============================================================================

func TestInferContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", InferContentType("doc.pdf", ""))
	assert.Equal(t, "image/jpeg", InferContentType("photo.JPG", ""))
	assert.Equal(t, "image/jpeg", InferContentType("photo.jpeg", ""))
	assert.Equal(t, "image/png", InferContentType("scan.png", ""))
	assert.Equal(t, "image/webp", InferContentType("pic.webp", ""))
	assert.Equal(t, "application/octet-stream", InferContentType("data.bin", ""))

	// A declared type always wins over the extension.
	assert.Equal(t, "image/png", InferContentType("doc.pdf", "image/png"))
}

func TestAllowedTypes_Defaults(t *testing.T) {
	allowed := NewAllowedTypes(nil)

	assert.True(t, allowed.Contains("application/pdf"))
	assert.True(t, allowed.Contains("image/jpeg"))
	assert.True(t, allowed.Contains("image/png"))
	assert.True(t, allowed.Contains("image/webp"))
	assert.False(t, allowed.Contains("image/gif"))
	assert.False(t, allowed.Contains("text/html"))
}

func TestAllowedTypes_IgnoresParametersAndCase(t *testing.T) {
	allowed := NewAllowedTypes(nil)

	assert.True(t, allowed.Contains("application/pdf; charset=binary"))
	assert.True(t, allowed.Contains("Image/PNG"))
	assert.True(t, allowed.Contains(" image/webp "))
}

func TestAllowedTypes_Override(t *testing.T) {
	allowed := NewAllowedTypes([]string{"image/tiff", "application/pdf"})

	assert.True(t, allowed.Contains("image/tiff"))
	assert.True(t, allowed.Contains("application/pdf"))
	assert.False(t, allowed.Contains("image/png"), "override replaces the default set")
}

// ============================================================================
// Backend Selection
// ============================================================================

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "s3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "ftp", Bucket: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "ftp"`)
}
