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
Package types provides shared type definitions used across DocuFlow components.

# Overview

This package contains the domain model shared between the processor service,
the pipeline, the stores, and the event fan-out. It provides a single source
of truth for document state, audit history, validation issues, and events.

# Document Lifecycle

A Document is created by the upload entry point with status PROCESSING, is
mutated only by the pipeline or by user review actions, and ends in one of
COMPLETED, NEEDS_REVIEW, FAILED, or ARCHIVED. AuditRecord rows are the
append-only per-stage history of each document and are never mutated.

# Thread Safety

All types in this package are plain value types and are safe for concurrent
use as long as callers do not share mutable maps across goroutines.
*/
package types
