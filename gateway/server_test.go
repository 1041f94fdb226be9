package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tallychain/crypto"
	"tallychain/gateway/middleware"
	"tallychain/journal"
	"tallychain/ledger"
	"tallychain/settlement"
	"tallychain/storage"
)

func newTestEngine(t *testing.T) *settlement.Engine {
	t.Helper()
	store := storage.NewMemDB()
	tr, err := ledger.NewTrie(memorydb.New(), nil)
	require.NoError(t, err)
	jrnl, err := journal.Open(store)
	require.NoError(t, err)
	engine, err := settlement.NewEngine(ledger.New(tr), jrnl, store, settlement.SelfAuthorizer{}, nil, settlement.Config{})
	require.NoError(t, err)
	return engine
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	server := NewServer(newTestEngine(t), nil, cfg)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func memberAddress(fill byte) string {
	identity := make([]byte, 20)
	for i := range identity {
		identity[i] = fill
	}
	return crypto.NewAddress(crypto.MemberPrefix, identity).String()
}

func postJSON(t *testing.T, url string, body interface{}, token string) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestCommitmentEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/v1/commitment")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload commitmentPayload
	decodeBody(t, resp, &payload)
	require.Equal(t, uint64(0), payload.Head.Seq)
	require.Equal(t, uint64(0), payload.PendingCount)
	require.NotEmpty(t, payload.Root)
}

func TestSignUpRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := memberAddress(0x01)

	resp := postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: alice}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var dispatched dispatchResponse
	decodeBody(t, resp, &dispatched)
	require.Equal(t, uint64(1), dispatched.Cursor.Seq)

	// Duplicate sign-up conflicts.
	resp = postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: alice}, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Freeze the range and settle through the published witness.
	resp = postJSON(t, ts.URL+"/v1/ranges", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var opened commitmentPayload
	decodeBody(t, resp, &opened)
	require.Equal(t, uint64(1), opened.PendingCount)

	witnessResp, err := http.Get(ts.URL + "/v1/accounts/" + alice + "/witness")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, witnessResp.StatusCode)
	var witness witnessPayload
	decodeBody(t, witnessResp, &witness)

	resp = postJSON(t, ts.URL+"/v1/settlements/sign-up", settleRequest{Witness: witness}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settled settleResponse
	decodeBody(t, resp, &settled)
	require.NotEmpty(t, settled.Root)

	// The commitment surface reflects the drained range and new root.
	resp2, err := http.Get(ts.URL + "/v1/commitment")
	require.NoError(t, err)
	var after commitmentPayload
	decodeBody(t, resp2, &after)
	require.Equal(t, uint64(0), after.PendingCount)
	require.Equal(t, uint64(1), after.Turn)
	require.Equal(t, settled.Root, after.Root)
}

func TestCurrentActionNotFoundWhenDrained(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.URL + "/v1/ranges/current")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadAddressRejected(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp := postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: "not-an-address"}, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func mintToken(t *testing.T, secret, subject, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": "tally-issuer",
		"aud": "tally-gateway",
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticationEnforced(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, Config{
		Auth: middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: secret,
			Issuer:     "tally-issuer",
			Audience:   "tally-gateway",
		},
	})
	alice := memberAddress(0x01)

	// No token.
	resp := postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: alice}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Wrong signing key.
	bad := mintToken(t, "other-secret", alice, "")
	resp = postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: alice}, bad)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Member token works for its own identity.
	member := mintToken(t, secret, alice, "")
	resp = postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: alice}, member)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// But cannot act on another member's behalf.
	resp = postJSON(t, ts.URL+"/v1/requests/sign-up", signUpRequest{Address: memberAddress(0x02)}, member)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Range maintenance needs the operator scope.
	resp = postJSON(t, ts.URL+"/v1/ranges", nil, member)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	operator := mintToken(t, secret, alice, middleware.ScopeOperator)
	resp = postJSON(t, ts.URL+"/v1/ranges", nil, operator)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Unauthenticated reads stay open.
	read, err := http.Get(ts.URL + "/v1/commitment")
	require.NoError(t, err)
	read.Body.Close()
	require.Equal(t, http.StatusOK, read.StatusCode)
}
