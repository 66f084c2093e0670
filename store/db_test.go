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
	"context"
	"io"
	"log"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSessionTimeouts(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		expected string
	}{
		{
			name:     "URL without query",
			dsn:      "postgres://app@db:5432/docuflow",
			expected: "postgres://app@db:5432/docuflow?statement_timeout=10000&lock_timeout=5000",
		},
		{
			name:     "URL with existing query",
			dsn:      "postgresql://app@db:5432/docuflow?sslmode=disable",
			expected: "postgresql://app@db:5432/docuflow?sslmode=disable&statement_timeout=10000&lock_timeout=5000",
		},
		{
			name:     "keyword DSN",
			dsn:      "host=localhost dbname=docuflow sslmode=disable",
			expected: "host=localhost dbname=docuflow sslmode=disable statement_timeout=10000 lock_timeout=5000",
		},
		{
			name:     "caller already set a timeout",
			dsn:      "postgres://app@db/docuflow?statement_timeout=30000",
			expected: "postgres://app@db/docuflow?statement_timeout=30000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, withSessionTimeouts(tt.dsn))
		})
	}
}

func TestMigrate_CreatesSchemaAndIndexes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents (.+) CREATE TABLE IF NOT EXISTS audit_records (.+) CREATE INDEX IF NOT EXISTS idx_documents_user_status (.+) CREATE INDEX IF NOT EXISTS idx_audit_records_document_created").
		WillReturnResult(sqlmock.NewResult(0, 0))

	d := &DB{db: db, logger: log.New(io.Discard, "", 0)}
	require.NoError(t, d.migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_RequiresDatabaseURL(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL")
}
