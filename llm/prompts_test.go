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

package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuflow/platform/shared/types"
)

func TestPromptRegistry_TypeSpecificBeatsGeneric(t *testing.T) {
	r := NewPromptRegistry()

	tpl, err := r.Get(types.StageExtraction, types.DocTypeInvoice, 1)

	require.NoError(t, err)
	assert.Equal(t, "extraction.invoice.v1", tpl.ID)
	assert.Contains(t, tpl.Text, "invoice_number")
}

func TestPromptRegistry_FallsBackToStageWide(t *testing.T) {
	r := NewPromptRegistry()

	// OTHER has no dedicated extraction prompt.
	tpl, err := r.Get(types.StageExtraction, types.DocTypeOther, 1)

	require.NoError(t, err)
	assert.Equal(t, "extraction.generic.v1", tpl.ID)
}

func TestPromptRegistry_EveryStageHasABuiltin(t *testing.T) {
	r := NewPromptRegistry()

	for _, stage := range []types.Stage{
		types.StageClassification,
		types.StageExtraction,
		types.StageValidation,
		types.StageCorrection,
	} {
		_, err := r.Get(stage, types.DocTypeReceipt, 0)
		assert.NoError(t, err, "stage %s", stage)
	}
}

func TestPromptRegistry_UnknownStage(t *testing.T) {
	r := NewPromptRegistry()

	_, err := r.Get(types.StageFinalize, types.DocTypeInvoice, 1)

	assert.Error(t, err)
}

func TestPromptRegistry_RegisterFillsID(t *testing.T) {
	r := NewPromptRegistry()
	r.Register(types.StageValidation, types.DocTypeReceipt, 2, &PromptTemplate{Text: "check {{data}}"})

	tpl, err := r.Get(types.StageValidation, types.DocTypeReceipt, 2)

	require.NoError(t, err)
	assert.Equal(t, "validation.receipt.v2", tpl.ID)
}

func TestPromptTemplate_Render(t *testing.T) {
	tpl := &PromptTemplate{Text: "Validate this {{document_type}}:\n{{data}}"}

	got := tpl.Render(map[string]string{
		"document_type": "invoice",
		"data":          `{"total": 10}`,
	})

	assert.Equal(t, "Validate this invoice:\n{\"total\": 10}", got)
}

func TestPromptTemplate_RenderLeavesUnknownPlaceholders(t *testing.T) {
	tpl := &PromptTemplate{Text: "fix {{data}} using {{mystery}}"}

	got := tpl.Render(map[string]string{"data": "X"})

	assert.Equal(t, "fix X using {{mystery}}", got)
}

func TestPromptRegistry_AllExtractionPromptsDemandJSON(t *testing.T) {
	r := NewPromptRegistry()

	for _, docType := range types.AllDocumentTypes() {
		tpl, err := r.Get(types.StageExtraction, docType, 1)
		require.NoError(t, err)
		assert.True(t, strings.Contains(tpl.Text, "valid JSON"), "prompt %s", tpl.ID)
	}
}
