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

// Package objectstore stores uploaded document bytes. Backends exist for
// Amazon S3 (and S3-compatible services), Google Cloud Storage, and Azure
// Blob Storage; all hide behind the Store interface so the pipeline and the
// upload entry point never see vendor types.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPresignTTL bounds how long download links stay valid.
const DefaultPresignTTL = 15 * time.Minute

// multipartThreshold is the size above which the S3 backend switches to a
// multipart upload.
const multipartThreshold = 5 * 1024 * 1024

// maxKeyStem caps the sanitized filename stem inside an object key.
const maxKeyStem = 80

// Store is the backend-neutral object storage contract.
type Store interface {
	// Upload writes size bytes from r under key. contentType is stored as
	// object metadata and echoed on download.
	Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) error
	// Download returns the full object body.
	Download(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited download link. A non-positive ttl
	// uses the configured default.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Bucket names the bucket or container this store writes to.
	Bucket() string
	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	// Provider is one of "s3" (default), "gcs", "azure".
	Provider string
	Bucket   string

	PresignTTL time.Duration

	// S3 (also MinIO, R2, Spaces via Endpoint+ForcePathStyle)
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// GCS
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string

	// Azure
	AccountName        string
	AccountKey         string
	ConnectionString   string
	UseManagedIdentity bool
}

// New builds the backend named by cfg.Provider and verifies connectivity.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "s3":
		return newS3Store(ctx, cfg)
	case "gcs":
		return newGCSStore(ctx, cfg)
	case "azure":
		return newAzureStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("objectstore: unknown provider %q", cfg.Provider)
	}
}

// BuildKey places an upload under the owner's prefix with a millisecond
// timestamp so concurrent uploads of the same filename never collide:
// documents/<userID>/<unixMillis>_<sanitized><ext>.
func BuildKey(userID, filename string, now time.Time) string {
	return fmt.Sprintf("documents/%s/%d_%s", userID, now.UnixMilli(), SanitizeFilename(filename))
}

// SanitizeFilename reduces an untrusted filename to a safe key segment: any
// leading path is stripped, the extension is lowercased, every byte outside
// [a-zA-Z0-9._-] becomes an underscore, and the stem is capped at 80 bytes.
func SanitizeFilename(filename string) string {
	// Normalize Windows separators before taking the base name.
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))

	ext := strings.ToLower(filepath.Ext(base))
	stem := base[:len(base)-len(ext)]
	if ext == "." {
		ext = ""
	}

	stem = sanitizeSegment(stem)
	ext = sanitizeSegment(ext)

	if stem == "" || stem == "." || stem == ".." {
		stem = "file"
	}
	if len(stem) > maxKeyStem {
		stem = stem[:maxKeyStem]
	}
	return stem + ext
}

func sanitizeSegment(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// extContentTypes maps the document extensions the pipeline understands.
var extContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// InferContentType returns the declared content type when present, otherwise
// guesses from the filename extension.
func InferContentType(filename, declared string) string {
	if declared != "" {
		return declared
	}
	if ct, ok := extContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// DefaultAllowedTypes lists the upload formats accepted out of the box.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/webp",
}

// AllowedTypes is the upload MIME whitelist.
type AllowedTypes map[string]struct{}

// NewAllowedTypes builds the whitelist, falling back to the defaults when the
// override list is empty.
func NewAllowedTypes(override []string) AllowedTypes {
	src := override
	if len(src) == 0 {
		src = DefaultAllowedTypes
	}
	allowed := make(AllowedTypes, len(src))
	for _, t := range src {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			allowed[t] = struct{}{}
		}
	}
	return allowed
}

// Contains reports whether a content type is accepted. Parameters after a
// semicolon (charset and friends) are ignored.
func (a AllowedTypes) Contains(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	_, ok := a[strings.ToLower(strings.TrimSpace(mediaType))]
	return ok
}
