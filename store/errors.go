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

package store

import (
	"errors"
	"fmt"
	"strings"

	"docuflow/platform/shared/types"
)

// NotFoundError reports a document that does not exist or is not visible to
// the requesting user. Ownership misses deliberately look identical to
// missing rows so the API cannot be used to probe other users' documents.
type NotFoundError struct {
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.DocumentID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StateError reports a lifecycle operation attempted against a document whose
// current status does not allow it.
type StateError struct {
	DocumentID string
	Status     types.DocumentStatus
	Allowed    []types.DocumentStatus
}

func (e *StateError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("document %s is %s, operation requires %s",
		e.DocumentID, e.Status, strings.Join(allowed, " or "))
}

// IsStateConflict reports whether err is a StateError.
func IsStateConflict(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
