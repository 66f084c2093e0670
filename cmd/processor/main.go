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

// Package main is the entry point for the DocuFlow Processor service.
//
// The Processor is the document-processing core of DocuFlow:
// - Accepts document uploads and stores the bytes in object storage
// - Runs the multi-stage vision-LLM pipeline (classify, extract, validate, correct)
// - Combines provider verdicts with deterministic business rules
// - Scores every document and routes low-confidence results to human review
// - Streams per-user progress events over SSE
//
// Usage:
//
//	./processor
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DB_URL - PostgreSQL connection string (required)
//	JWT_SECRET - HS256 signing secret for access tokens (required)
//	OBJECT_STORE_BUCKET - document bucket (required)
//	PROVIDER_ANTHROPIC_API_KEY - Anthropic API key (optional)
//	PROVIDER_GEMINI_API_KEY - Google Gemini API key (optional)
//	NATS_URL - JetStream endpoint (optional)
//	REDIS_URL - cross-replica event relay (optional)
package main

import (
	"log"

	"docuflow/platform/processor"
)

func main() {
	if err := processor.Run(); err != nil {
		log.Fatalf("processor: %v", err)
	}
}
