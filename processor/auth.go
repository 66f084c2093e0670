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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const ctxKeyPrincipal contextKey = "principal"

// Principal is the authenticated caller extracted from the access token.
type Principal struct {
	UserID  string
	Premium bool
}

// accessClaims is the expected JWT payload. The subject is the user ID;
// premium feeds the multi-provider fan-out policy.
type accessClaims struct {
	Premium bool `json:"premium,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalFrom returns the authenticated principal stored on the request
// context by requireAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

// requireAuth wraps a handler with bearer-token authentication. EventSource
// cannot set headers, so the SSE endpoint also accepts the token as an
// access_token query parameter.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			sendErrorResponse(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		principal, err := s.verifyToken(token)
		if err != nil {
			sendErrorResponse(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) verifyToken(token string) (Principal, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}

	return Principal{UserID: claims.Subject, Premium: claims.Premium}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
