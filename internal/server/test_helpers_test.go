package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/quill/internal/auth"
	"github.com/MarcoPoloResearchLab/quill/internal/doclist"
	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	syncpkg "github.com/MarcoPoloResearchLab/quill/internal/sync"
	"github.com/MarcoPoloResearchLab/quill/internal/users"
)

// stubVerifier accepts the tokens it was seeded with and rejects the rest.
type stubVerifier struct {
	claims map[string]auth.IdentityClaims
}

func (v *stubVerifier) Verify(_ context.Context, token string) (auth.IdentityClaims, error) {
	claims, ok := v.claims[token]
	if !ok {
		return auth.IdentityClaims{}, fmt.Errorf("stub: unknown token %q", token)
	}
	return claims, nil
}

type testHarness struct {
	handler   http.Handler
	issuer    *auth.TokenIssuer
	documents *documents.Service
	registry  *syncpkg.Registry
	verifier  *stubVerifier
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:quill_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &documents.Update{}, &documents.AccessGrant{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}

	registry, err := syncpkg.NewRegistry(syncpkg.RegistryConfig{Store: documentsService, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)

	gateway, err := syncpkg.NewGateway(syncpkg.GatewayConfig{Store: documentsService, Registry: registry, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}

	projections, err := doclist.NewService(doclist.ServiceConfig{Store: documentsService, Registry: registry, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct projection service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "quill-auth",
		Audience:      "quill-api",
	})
	verifier := &stubVerifier{claims: map[string]auth.IdentityClaims{}}

	handler, err := NewHTTPHandler(Dependencies{
		IdentityVerifier: verifier,
		TokenIssuer:      issuer,
		Credentials:      auth.NewCredentialResolver(issuer),
		Users:            usersService,
		Documents:        documentsService,
		Projections:      projections,
		Gateway:          gateway,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testHarness{
		handler:   handler,
		issuer:    issuer,
		documents: documentsService,
		registry:  registry,
		verifier:  verifier,
	}
}

// accessToken mints a backend token for the given user, the way login would.
func (h *testHarness) accessToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := h.issuer.IssueAccessToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *testHarness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func (h *testHarness) createDocument(t *testing.T, token, documentType, title string) documentPayload {
	t.Helper()
	recorder := h.do(t, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentType: documentType,
		Title:        title,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload documentPayload
	decodeBody(t, recorder, &payload)
	return payload
}
