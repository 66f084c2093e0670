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

/*
Package logger provides structured JSON logging for DocuFlow components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (PROCESSOR, PIPELINE, etc.)
  - Instance ID and container name (for distributed tracing)
  - User ID (for per-tenant isolation)
  - Document ID (for correlating pipeline work to one document)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("PROCESSOR")

Log messages with user and document context:

	log.Info("user-123", "doc-456", "Document accepted", map[string]interface{}{
	    "mimeType": "application/pdf",
	    "fileSize": 48213,
	})

Log errors with status codes:

	log.ErrorWithCode("user-123", "doc-456", "Stage failed", 502, err, map[string]interface{}{
	    "stage": "EXTRACTION",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("user-123", "doc-456", "Stage completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"PROCESSOR","instance_id":"i-abc123","container":"processor-xyz",
	 "user_id":"user-123","document_id":"doc-456",
	 "message":"Document accepted","fields":{"mimeType":"application/pdf"}}

# Environment Variables

The logger reads these environment variables:

  - LOG_LEVEL: Minimum level to emit (trace|debug|info|warn|error|fatal, default info)
  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
