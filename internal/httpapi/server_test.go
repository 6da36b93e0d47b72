package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ssilab/ssi-service/internal/config"
	"github.com/ssilab/ssi-service/internal/kvttl"
	"github.com/ssilab/ssi-service/internal/model"
	"github.com/ssilab/ssi-service/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	t      *testing.T
	server *Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.Config{
		Env:           "dev",
		KeysDir:       t.TempDir(),
		JWKCurve:      "P-256",
		JWEAlg:        "ECDH-ES",
		JWEEnc:        "A256GCM",
		MerkleMode:    "stub",
		ServicePrefix: "inbox://",
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := storage.NewWithDB(db)
	require.NoError(t, err)

	server, err := NewServer(cfg, zap.NewNop(), store, kvttl.NewMemory())
	require.NoError(t, err)
	return &testAPI{t: t, server: server}
}

func (a *testAPI) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) decode(rec *httptest.ResponseRecorder, out interface{}) {
	a.t.Helper()
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out))
}

func (a *testAPI) bootstrap(t *testing.T) (issuer, holder, verifier model.BootstrapResponse) {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/bootstrap/issuer?name=Example+University", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a.decode(rec, &issuer)

	rec = a.do(http.MethodPost, "/v1/bootstrap/holder?label=alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a.decode(rec, &holder)

	rec = a.do(http.MethodPost, "/v1/bootstrap/verifier?label=employer", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a.decode(rec, &verifier)
	return issuer, holder, verifier
}

func (a *testAPI) issue(t *testing.T, holderDID, idemKey string) model.IssueResponse {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/issuer/issue", model.IssueRequest{
		SubjectDID: holderDID,
		Attributes: map[string]interface{}{"name": "Alice Doe", "age": float64(21)},
	}, map[string]string{"Idempotency-Key": idemKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.IssueResponse
	a.decode(rec, &resp)
	return resp
}

func (a *testAPI) present(t *testing.T, holderDID, credID, verifierDID string, reveal []string) model.Box {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/holder/present", model.PresentRequest{
		HolderDID:    holderDID,
		CredID:       credID,
		RevealFields: reveal,
		VerifierDID:  verifierDID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Box model.Box `json:"box"`
	}
	a.decode(rec, &resp)
	return resp.Box
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestBootstrapShapes(t *testing.T) {
	api := newTestAPI(t)
	issuer, holder, verifier := api.bootstrap(t)

	assert.NotEmpty(t, issuer.IssuerDID)
	assert.Equal(t, issuer.IssuerDID, issuer.Doc.DID)
	assert.NotEmpty(t, holder.HolderDID)
	assert.NotEmpty(t, verifier.VerifierDID)
	assert.NotEqual(t, holder.HolderDID, verifier.VerifierDID)

	rec := api.do(http.MethodPost, "/v1/bootstrap/holder", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueRequiresIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	api.bootstrap(t)

	rec := api.do(http.MethodPost, "/v1/issuer/issue", model.IssueRequest{
		SubjectDID: "did:key:zwho",
		Attributes: map[string]interface{}{"name": "x"},
	}, nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Equal(t, "Idempotency-Key header required", detailOf(t, rec))
}

func TestIssueWithoutIssuer(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/v1/issuer/issue", model.IssueRequest{
		SubjectDID: "did:key:zwho",
		Attributes: map[string]interface{}{"name": "x"},
	}, map[string]string{"Idempotency-Key": "k1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no issuer configured", detailOf(t, rec))
}

func TestIssueAndIdempotentReplay(t *testing.T) {
	api := newTestAPI(t)
	issuer, holder, _ := api.bootstrap(t)

	first := api.issue(t, holder.HolderDID, "key-1")
	assert.Equal(t, issuer.IssuerDID, first.Issuer)
	assert.Equal(t, holder.HolderDID, first.Subject)
	assert.Equal(t, 0, first.Status.Index)
	assert.NotEmpty(t, first.Merkle.Root)
	assert.NotEmpty(t, first.IssuerSignature)

	// Same key and body replays the stored response.
	replay := api.issue(t, holder.HolderDID, "key-1")
	assert.Equal(t, first.ID, replay.ID)

	// A fresh key allocates the next index.
	second := api.issue(t, holder.HolderDID, "key-2")
	assert.Equal(t, 1, second.Status.Index)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestListCredentials(t *testing.T) {
	api := newTestAPI(t)
	_, holder, _ := api.bootstrap(t)
	api.issue(t, holder.HolderDID, "k1")
	api.issue(t, holder.HolderDID, "k2")

	rec := api.do(http.MethodGet, "/v1/holder/credentials/"+holder.HolderDID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Credentials []model.Credential `json:"credentials"`
	}
	api.decode(rec, &resp)
	assert.Len(t, resp.Credentials, 2)
}

func TestPresentAndVerifyLifecycle(t *testing.T) {
	api := newTestAPI(t)
	_, holder, verifier := api.bootstrap(t)
	cred := api.issue(t, holder.HolderDID, "k1")

	box := api.present(t, holder.HolderDID, cred.ID, verifier.VerifierDID, []string{"name"})

	rec := api.do(http.MethodPost, "/v1/verifier/verify", box, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result model.VerifyResult
	api.decode(rec, &result)
	assert.True(t, result.OK)
	assert.Equal(t, "verified OK", result.Message)
	assert.Equal(t, map[string]interface{}{"name": "Alice Doe"}, result.Disclosed)

	// A presentation is single use.
	rec = api.do(http.MethodPost, "/v1/verifier/verify", box, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "challenge invalid: nonce not found", detailOf(t, rec))
}

func TestPresentUnknownParties(t *testing.T) {
	api := newTestAPI(t)
	_, holder, verifier := api.bootstrap(t)
	cred := api.issue(t, holder.HolderDID, "k1")

	rec := api.do(http.MethodPost, "/v1/holder/present", model.PresentRequest{
		HolderDID:   "did:key:zghost",
		CredID:      cred.ID,
		VerifierDID: verifier.VerifierDID,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown holder or verifier", detailOf(t, rec))

	rec = api.do(http.MethodPost, "/v1/holder/present", model.PresentRequest{
		HolderDID:   holder.HolderDID,
		CredID:      "cred:missing:0",
		VerifierDID: verifier.VerifierDID,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "credential not found or not owned by holder", detailOf(t, rec))
}

func TestVerifyWithoutVerifier(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodPost, "/v1/verifier/verify", model.Box{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no verifier configured", detailOf(t, rec))
}

func TestRevocationBlocksVerification(t *testing.T) {
	api := newTestAPI(t)
	_, holder, verifier := api.bootstrap(t)
	cred := api.issue(t, holder.HolderDID, "k1")

	rec := api.do(http.MethodPost, "/v1/issuer/revoke", model.RevokeRequest{CredID: cred.ID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	box := api.present(t, holder.HolderDID, cred.ID, verifier.VerifierDID, []string{"name"})
	rec = api.do(http.MethodPost, "/v1/verifier/verify", box, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "credential revoked", detailOf(t, rec))

	rec = api.do(http.MethodPost, "/v1/issuer/revoke", model.RevokeRequest{CredID: "cred:missing:0"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusListDocument(t *testing.T) {
	api := newTestAPI(t)
	issuer, holder, _ := api.bootstrap(t)
	cred := api.issue(t, holder.HolderDID, "k1")
	api.issue(t, holder.HolderDID, "k2")

	rec := api.do(http.MethodPost, "/v1/issuer/revoke", model.RevokeRequest{CredID: cred.ID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/v1/issuer/statuslist/"+storage.ListID(issuer.IssuerDID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc model.StatusListDoc
	api.decode(rec, &doc)
	assert.Equal(t, "bitset", doc.Encoding)
	assert.Equal(t, "01", doc.Data)
}

func TestOfferClaimLifecycle(t *testing.T) {
	api := newTestAPI(t)
	issuer, holder, _ := api.bootstrap(t)

	rec := api.do(http.MethodPost, "/v1/issuer/offers", model.OfferRequest{
		Challenge: "coupon-1",
		IssuerDID: issuer.IssuerDID,
		Claims:    map[string]bool{"name": true, "age": false},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var offerResp model.OfferResponse
	api.decode(rec, &offerResp)
	assert.True(t, offerResp.OK)
	assert.Equal(t, 600, offerResp.TTLSeconds)

	// Missing required claim fails and restores the coupon.
	rec = api.do(http.MethodPost, "/v1/wallet/claim", model.ClaimRequest{
		Challenge:  "coupon-1",
		HolderDID:  holder.HolderDID,
		Attributes: map[string]interface{}{"age": float64(21)},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing claim attributes", detailOf(t, rec))

	// Retry with the required attributes succeeds.
	rec = api.do(http.MethodPost, "/v1/wallet/claim", model.ClaimRequest{
		Challenge:  "coupon-1",
		HolderDID:  holder.HolderDID,
		Attributes: map[string]interface{}{"name": "Alice Doe", "age": float64(21)},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claimed model.IssueResponse
	api.decode(rec, &claimed)
	assert.Equal(t, holder.HolderDID, claimed.Subject)
	assert.NotEmpty(t, claimed.IssuerSignature)

	// The coupon is gone after a successful claim.
	rec = api.do(http.MethodPost, "/v1/wallet/claim", model.ClaimRequest{
		Challenge:  "coupon-1",
		HolderDID:  holder.HolderDID,
		Attributes: map[string]interface{}{"name": "Alice Doe"},
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimUnknownHolder(t *testing.T) {
	api := newTestAPI(t)
	issuer, _, _ := api.bootstrap(t)

	rec := api.do(http.MethodPost, "/v1/issuer/offers", model.OfferRequest{
		Challenge: "coupon-2",
		IssuerDID: issuer.IssuerDID,
		Claims:    map[string]bool{},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/v1/wallet/claim", model.ClaimRequest{
		Challenge:  "coupon-2",
		HolderDID:  "did:key:zghost",
		Attributes: map[string]interface{}{"name": "x"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown holder", detailOf(t, rec))
}

func TestChallengeEndpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/v1/verifier/challenge", model.ChallengeRequest{Aud: "did:key:zv"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ch model.Challenge
	api.decode(rec, &ch)
	assert.NotEmpty(t, ch.Nonce)
	assert.Equal(t, "did:key:zv", ch.Aud)
	assert.Greater(t, ch.Exp, int64(0))
}

func TestAdminReset(t *testing.T) {
	api := newTestAPI(t)
	_, holder, _ := api.bootstrap(t)
	api.issue(t, holder.HolderDID, "k1")

	rec := api.do(http.MethodPost, "/v1/admin/reset", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, "/v1/holder/credentials/"+holder.HolderDID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Credentials []model.Credential `json:"credentials"`
	}
	api.decode(rec, &resp)
	assert.Empty(t, resp.Credentials)
}

func TestAdminTokenEnforcement(t *testing.T) {
	api := newTestAPI(t)
	api.server.cfg.AdminToken = "secret"

	rec := api.do(http.MethodPost, "/v1/bootstrap/issuer?name=U", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "admin token mismatch", detailOf(t, rec))

	rec = api.do(http.MethodPost, "/v1/bootstrap/issuer?name=U", nil,
		map[string]string{"X-Admin-Token": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
