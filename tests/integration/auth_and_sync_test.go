package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/auth"
	"github.com/MarcoPoloResearchLab/quill/internal/database"
	"github.com/MarcoPoloResearchLab/quill/internal/doclist"
	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/protocol"
	"github.com/MarcoPoloResearchLab/quill/internal/replica"
	"github.com/MarcoPoloResearchLab/quill/internal/server"
	syncpkg "github.com/MarcoPoloResearchLab/quill/internal/sync"
	"github.com/MarcoPoloResearchLab/quill/internal/users"
)

const (
	signingSecret   = "integration-secret"
	jsonContentType = "application/json"

	ownerIDToken  = "id-token-owner"
	editorIDToken = "id-token-editor"
)

type stubIdentityVerifier struct {
	identities map[string]auth.IdentityClaims
}

func (v *stubIdentityVerifier) Verify(_ context.Context, token string) (auth.IdentityClaims, error) {
	claims, ok := v.identities[token]
	if !ok {
		return auth.IdentityClaims{}, fmt.Errorf("unknown identity token")
	}
	return claims, nil
}

type integrationStack struct {
	server    *httptest.Server
	documents *documents.Service
	registry  *syncpkg.Registry
}

func newIntegrationStack(testContext *testing.T) *integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "quill-api",
		Audience:      "quill-clients",
		TokenTTL:      time.Hour,
	})

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build documents service: %v", err)
	}

	registry, err := syncpkg.NewRegistry(syncpkg.RegistryConfig{
		Store:                documentsService,
		Logger:               zap.NewNop(),
		MetadataDebounce:     20 * time.Millisecond,
		MetadataMaxStaleness: 100 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	testContext.Cleanup(registry.Shutdown)

	gateway, err := syncpkg.NewGateway(syncpkg.GatewayConfig{
		Store:    documentsService,
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}

	projections, err := doclist.NewService(doclist.ServiceConfig{
		Store:    documentsService,
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build projections: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdentityVerifier: &stubIdentityVerifier{identities: map[string]auth.IdentityClaims{
			ownerIDToken:  {Subject: "user-owner", Issuer: "https://issuer.test", Email: "owner@example.com"},
			editorIDToken: {Subject: "user-editor", Issuer: "https://issuer.test", Email: "editor@example.com"},
		}},
		TokenIssuer: tokenIssuer,
		Credentials: auth.NewCredentialResolver(tokenIssuer),
		Users:       usersService,
		Documents:   documentsService,
		Projections: projections,
		Gateway:     gateway,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	return &integrationStack{server: testServer, documents: documentsService, registry: registry}
}

func (s *integrationStack) login(testContext *testing.T, idToken string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"id_token": idToken})
	response, err := http.Post(s.server.URL+"/auth/login", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("login request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected login status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected an access token")
	}
	return payload.AccessToken
}

func (s *integrationStack) request(testContext *testing.T, method, path, token string, body interface{}) *http.Response {
	testContext.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request %s %s failed: %v", method, path, err)
	}
	return response
}

func (s *integrationStack) createDocument(testContext *testing.T, token string, body map[string]interface{}) string {
	testContext.Helper()
	response := s.request(testContext, http.MethodPost, "/documents", token, body)
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", response.StatusCode)
	}
	var payload struct {
		DocumentID string `json:"document_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode create response: %v", err)
	}
	return payload.DocumentID
}

func (s *integrationStack) dialSync(testContext *testing.T, documentID, token string) *websocket.Conn {
	testContext.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/documents/" + documentID + "/sync?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("websocket dial failed: %v", err)
	}
	testContext.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSyncFrame(testContext *testing.T, conn *websocket.Conn) protocol.Frame {
	testContext.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("websocket read failed: %v", err)
	}
	frame, err := protocol.Decode(payload)
	if err != nil {
		testContext.Fatalf("frame decode failed: %v", err)
	}
	return frame
}

func waitUntil(testContext *testing.T, description string, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", description)
}

func TestCollaborativeEditBroadcastsAndPersists(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	ownerToken := stack.login(testContext, ownerIDToken)
	editorToken := stack.login(testContext, editorIDToken)

	documentID := stack.createDocument(testContext, ownerToken, map[string]interface{}{
		"type":  "note",
		"title": "Shared draft",
	})

	grantResponse := stack.request(testContext, http.MethodPut, "/documents/"+documentID+"/grants/user-editor", ownerToken, map[string]interface{}{"can_write": true})
	grantResponse.Body.Close()
	if grantResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected grant status: %d", grantResponse.StatusCode)
	}

	ownerConn := stack.dialSync(testContext, documentID, ownerToken)
	if ack := readSyncFrame(testContext, ownerConn); ack.Kind != protocol.FrameJoinAck {
		testContext.Fatalf("expected join ack, got %s", ack.Kind)
	}
	editorConn := stack.dialSync(testContext, documentID, editorToken)
	if ack := readSyncFrame(testContext, editorConn); ack.Kind != protocol.FrameJoinAck {
		testContext.Fatalf("expected join ack, got %s", ack.Kind)
	}

	delta := replica.New().Set(7, "body", []byte("hello from the editor"))
	if err := editorConn.WriteMessage(websocket.BinaryMessage, (protocol.Frame{Kind: protocol.FrameSyncUpdate, Payload: delta}).Encode()); err != nil {
		testContext.Fatalf("failed to send delta: %v", err)
	}

	relayed := readSyncFrame(testContext, ownerConn)
	if relayed.Kind != protocol.FrameSyncUpdate {
		testContext.Fatalf("expected relayed update, got %s", relayed.Kind)
	}
	mirror := replica.New()
	if _, err := mirror.Merge(relayed.Payload); err != nil {
		testContext.Fatalf("relayed delta failed to merge: %v", err)
	}
	if value, _ := mirror.Get("body"); string(value) != "hello from the editor" {
		testContext.Fatalf("unexpected relayed body: %q", value)
	}

	waitUntil(testContext, "editor update to persist", func() bool {
		count, err := stack.documents.CountUpdatesByAuthor(context.Background(), documents.DocumentID(documentID), documents.UserID("user-editor"))
		return err == nil && count == 1
	})
}

func TestThemeInheritanceFlowsThroughSync(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	ownerToken := stack.login(testContext, ownerIDToken)

	baseThemeID := stack.createDocument(testContext, ownerToken, map[string]interface{}{
		"type":  "theme",
		"title": "Base palette",
	})

	baseConn := stack.dialSync(testContext, baseThemeID, ownerToken)
	if ack := readSyncFrame(testContext, baseConn); ack.Kind != protocol.FrameJoinAck {
		testContext.Fatalf("expected join ack, got %s", ack.Kind)
	}
	delta := replica.New().Set(3, replica.MetadataKeyPrefix+"color", []byte("red"))
	if err := baseConn.WriteMessage(websocket.BinaryMessage, (protocol.Frame{Kind: protocol.FrameSyncUpdate, Payload: delta}).Encode()); err != nil {
		testContext.Fatalf("failed to send theme delta: %v", err)
	}
	waitUntil(testContext, "theme update to persist", func() bool {
		count, err := stack.documents.CountUpdatesByAuthor(context.Background(), documents.DocumentID(baseThemeID), documents.UserID("user-owner"))
		return err == nil && count == 1
	})

	derivedThemeID := stack.createDocument(testContext, ownerToken, map[string]interface{}{
		"type":             "theme",
		"title":            "Derived palette",
		"base_document_id": baseThemeID,
	})

	derivedConn := stack.dialSync(testContext, derivedThemeID, ownerToken)
	if ack := readSyncFrame(testContext, derivedConn); ack.Kind != protocol.FrameJoinAck {
		testContext.Fatalf("expected join ack, got %s", ack.Kind)
	}
	step1 := protocol.Frame{Kind: protocol.FrameSyncStep1, Payload: replica.Vector{}.Encode()}
	if err := derivedConn.WriteMessage(websocket.BinaryMessage, step1.Encode()); err != nil {
		testContext.Fatalf("failed to send state vector: %v", err)
	}

	step2 := readSyncFrame(testContext, derivedConn)
	if step2.Kind != protocol.FrameSyncStep2 {
		testContext.Fatalf("expected sync step 2, got %s", step2.Kind)
	}
	state := replica.New()
	if _, err := state.Merge(step2.Payload); err != nil {
		testContext.Fatalf("diff failed to merge: %v", err)
	}
	if color, ok := state.Get(replica.MetadataKeyPrefix + "color"); !ok || string(color) != "red" {
		testContext.Fatalf("expected inherited color red, got %q (present=%v)", color, ok)
	}
}

func TestCrossUserVisibilityThroughDocumentList(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	ownerToken := stack.login(testContext, ownerIDToken)
	editorToken := stack.login(testContext, editorIDToken)

	documentID := stack.createDocument(testContext, ownerToken, map[string]interface{}{
		"type":  "note",
		"title": "Quarterly plan",
	})

	// Invisible until granted.
	hidden := stack.request(testContext, http.MethodGet, "/documents/"+documentID, editorToken, nil)
	hidden.Body.Close()
	if hidden.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected 404 before the grant, got %d", hidden.StatusCode)
	}

	grantResponse := stack.request(testContext, http.MethodPut, "/documents/"+documentID+"/grants/user-editor", ownerToken, map[string]interface{}{"can_write": false})
	grantResponse.Body.Close()
	if grantResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected grant status: %d", grantResponse.StatusCode)
	}

	listed := stack.request(testContext, http.MethodGet, "/documents", editorToken, nil)
	defer listed.Body.Close()
	if listed.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected list status: %d", listed.StatusCode)
	}
	var listPayload struct {
		Documents []struct {
			DocumentID string `json:"document_id"`
			Title      string `json:"title"`
		} `json:"documents"`
	}
	if err := json.NewDecoder(listed.Body).Decode(&listPayload); err != nil {
		testContext.Fatalf("failed to decode list response: %v", err)
	}
	found := false
	for _, entry := range listPayload.Documents {
		if entry.DocumentID == documentID && entry.Title == "Quarterly plan" {
			found = true
		}
	}
	if !found {
		testContext.Fatalf("expected granted document in the editor's list, got %#v", listPayload.Documents)
	}
}

func TestPrivateContentIsNotReachableThroughBaseChain(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	ownerToken := stack.login(testContext, ownerIDToken)
	editorToken := stack.login(testContext, editorIDToken)

	secretID := stack.createDocument(testContext, ownerToken, map[string]interface{}{
		"type":  "note",
		"title": "Owner eyes only",
	})

	ownerConn := stack.dialSync(testContext, secretID, ownerToken)
	if ack := readSyncFrame(testContext, ownerConn); ack.Kind != protocol.FrameJoinAck {
		testContext.Fatalf("expected join ack, got %s", ack.Kind)
	}
	delta := replica.New().Set(9, "body", []byte("top-secret"))
	if err := ownerConn.WriteMessage(websocket.BinaryMessage, (protocol.Frame{Kind: protocol.FrameSyncUpdate, Payload: delta}).Encode()); err != nil {
		testContext.Fatalf("failed to write secret: %v", err)
	}
	waitUntil(testContext, "secret to persist", func() bool {
		count, err := stack.documents.CountUpdatesByAuthor(context.Background(), documents.DocumentID(secretID), documents.UserID("user-owner"))
		return err == nil && count == 1
	})

	// Basing a new document on it must fail the same way a bogus id does.
	hidden := stack.request(testContext, http.MethodPost, "/documents", editorToken,
		map[string]interface{}{"type": "note", "title": "derived", "base_document_id": secretID})
	defer hidden.Body.Close()
	missing := stack.request(testContext, http.MethodPost, "/documents", editorToken,
		map[string]interface{}{"type": "note", "title": "derived", "base_document_id": "no-such-document"})
	defer missing.Body.Close()
	if hidden.StatusCode != http.StatusBadRequest || missing.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for both bases, got %d and %d", hidden.StatusCode, missing.StatusCode)
	}

	// With read access the chain opens up and carries the content.
	grantResponse := stack.request(testContext, http.MethodPut, "/documents/"+secretID+"/grants/user-editor", ownerToken, map[string]interface{}{"can_write": false})
	grantResponse.Body.Close()
	if grantResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected grant status: %d", grantResponse.StatusCode)
	}
	derivedID := stack.createDocument(testContext, editorToken, map[string]interface{}{
		"type":             "note",
		"title":            "derived",
		"base_document_id": secretID,
	})
	derivedConn := stack.dialSync(testContext, derivedID, editorToken)
	if ack := readSyncFrame(testContext, derivedConn); ack.Kind != protocol.FrameJoinAck {
		testContext.Fatalf("expected join ack, got %s", ack.Kind)
	}
	step1 := protocol.Frame{Kind: protocol.FrameSyncStep1, Payload: replica.Vector{}.Encode()}
	if err := derivedConn.WriteMessage(websocket.BinaryMessage, step1.Encode()); err != nil {
		testContext.Fatalf("failed to send state vector: %v", err)
	}
	step2 := readSyncFrame(testContext, derivedConn)
	state := replica.New()
	if _, err := state.Merge(step2.Payload); err != nil {
		testContext.Fatalf("diff failed to merge: %v", err)
	}
	if body, ok := state.Get("body"); !ok || string(body) != "top-secret" {
		testContext.Fatalf("granted base chain must carry the content, got %q (present=%v)", body, ok)
	}
}
