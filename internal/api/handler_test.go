package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/api"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/integrity"
	"go.uber.org/zap"
)

const testSecret = "test-secret-0123456789"

type testEnv struct {
	router *gin.Engine
	tokens *api.TokenIssuer
}

func setupForestRouter(t *testing.T) *testEnv {
	t.Helper()
	return routerFor(t, newIntegrityService(t, audit.NewMemoryStore(), integrity.NewMemoryLayoutStore()))
}

func newIntegrityService(t *testing.T, store audit.Store, layouts integrity.LayoutStore) *integrity.Service {
	t.Helper()
	cfg := forest.DefaultConfig()
	cfg.Strategy = forest.StrategyStatute
	svc, err := integrity.New(context.Background(), store, layouts, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("integrity.New: %v", err)
	}
	return svc
}

func routerFor(t *testing.T, svc *integrity.Service) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := api.NewTokenIssuer(testSecret, "auditd-test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	r := gin.New()
	v1 := r.Group("/api/v1")
	api.NewForestHandler(svc, tokens, zap.NewNop()).Register(v1)
	return &testEnv{router: r, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := e.tokens.Issue("ops@example.com", scopes)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func sampleRecord(statute string) audit.Record {
	return audit.Record{
		ID:        uuid.New(),
		Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		StatuteID: statute,
		SubjectID: "subject-42",
		Payload:   json.RawMessage(`{"decision":"deny"}`),
	}
}

func TestIngest_401_withoutToken(t *testing.T) {
	env := setupForestRouter(t)
	w := env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: []audit.Record{sampleRecord("S1")}}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIngest_403_wrongScope(t *testing.T) {
	env := setupForestRouter(t)
	w := env.do(t, http.MethodPost, "/api/v1/records",
		api.IngestRequest{Records: []audit.Record{sampleRecord("S1")}}, env.token(t, api.ScopeOptimize))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIngestAndProof_roundTrip(t *testing.T) {
	env := setupForestRouter(t)
	tok := env.token(t, api.ScopeIngest)
	recs := []audit.Record{sampleRecord("S1"), sampleRecord("S2"), sampleRecord("S1")}

	w := env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: recs}, tok)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res integrity.IngestResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Accepted != 3 || len(res.Partitions) != 2 {
		t.Errorf("ingest result = %+v", res)
	}

	w = env.do(t, http.MethodGet, "/api/v1/records/"+recs[0].ID.String(), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var stored audit.Record
	json.Unmarshal(w.Body.Bytes(), &stored)

	w = env.do(t, http.MethodGet, "/api/v1/records/"+recs[0].ID.String()+"/proof", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p forest.Proof
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.PartitionID != "statute-S1" || len(p.Steps) != 1 {
		t.Errorf("proof = %+v", p)
	}
	ok, err := p.Check(stored)
	if err != nil || !ok {
		t.Errorf("offline check = %v, %v", ok, err)
	}
}

func TestIngest_409_duplicate(t *testing.T) {
	env := setupForestRouter(t)
	tok := env.token(t, api.ScopeIngest)
	r := sampleRecord("S1")
	env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: []audit.Record{r}}, tok)

	w := env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: []audit.Record{r}}, tok)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// subjectRewriter alters one record's subject whenever the store is loaded.
type subjectRewriter struct {
	*audit.MemoryStore
	target uuid.UUID
}

func (s subjectRewriter) GetAll(ctx context.Context) ([]audit.Record, error) {
	recs, err := s.MemoryStore.GetAll(ctx)
	for i := range recs {
		if recs[i].ID == s.target {
			recs[i].SubjectID = "subject-forged"
		}
	}
	return recs, err
}

func TestIngest_409_tamperedPartition(t *testing.T) {
	mem := audit.NewMemoryStore()
	layouts := integrity.NewMemoryLayoutStore()
	victim := sampleRecord("S1")
	if _, err := newIntegrityService(t, mem, layouts).Ingest(context.Background(), []audit.Record{victim}); err != nil {
		t.Fatal(err)
	}

	env := routerFor(t, newIntegrityService(t, subjectRewriter{MemoryStore: mem, target: victim.ID}, layouts))
	tok := env.token(t, api.ScopeIngest)
	w := env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: []audit.Record{sampleRecord("S1")}}, tok)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if n, _ := mem.Count(context.Background()); n != 1 {
		t.Errorf("store holds %d records, want 1", n)
	}

	w = env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: []audit.Record{sampleRecord("S2")}}, tok)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 for untouched statute, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIngest_400_invalid(t *testing.T) {
	env := setupForestRouter(t)
	tok := env.token(t, api.ScopeIngest)

	r := sampleRecord("S1")
	r.Payload = nil
	w := env.do(t, http.MethodPost, "/api/v1/records", api.IngestRequest{Records: []audit.Record{r}}, tok)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/records", map[string]any{"records": "nope"}, tok)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestGetProof_404(t *testing.T) {
	env := setupForestRouter(t)
	w := env.do(t, http.MethodGet, "/api/v1/records/"+uuid.NewString()+"/proof", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/v1/records/"+uuid.NewString(), nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetProof_400_badID(t *testing.T) {
	env := setupForestRouter(t)
	w := env.do(t, http.MethodGet, "/api/v1/records/not-a-uuid/proof", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestForestEndpoints(t *testing.T) {
	env := setupForestRouter(t)
	tok := env.token(t, "*")
	env.do(t, http.MethodPost, "/api/v1/records",
		api.IngestRequest{Records: []audit.Record{sampleRecord("S1"), sampleRecord("S2")}}, tok)

	w := env.do(t, http.MethodGet, "/api/v1/forest", nil, "")
	var st forest.Stats
	json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.PartitionCount != 2 || st.Strategy != forest.StrategyStatute {
		t.Errorf("GET /forest = %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/forest/partitions", nil, "")
	var list struct {
		Partitions []forest.PartitionInfo `json:"partitions"`
		Count      int                    `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 2 || len(list.Partitions) != 2 {
		t.Errorf("GET /forest/partitions = %s", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/forest/partitions/statute-S2", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/forest/partitions/statute-S9", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/forest/verify", nil, "")
	var vr api.VerifyResponse
	json.Unmarshal(w.Body.Bytes(), &vr)
	if !vr.Valid || vr.SuccessRate != 1 || vr.TotalPartitions != 2 {
		t.Errorf("GET /forest/verify = %s", w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/forest/optimize", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/forest/optimize", nil, tok)
	var opt map[string]int
	json.Unmarshal(w.Body.Bytes(), &opt)
	if w.Code != http.StatusOK || opt["removed"] != 2 {
		t.Errorf("POST /forest/optimize = %d %s", w.Code, w.Body.String())
	}
}
