package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/api"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckProofFiles(t *testing.T) {
	f, err := forest.New(forest.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	var recs []audit.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, audit.Record{
			ID:        uuid.New(),
			Timestamp: time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
			StatuteID: "GDPR-17",
			SubjectID: "s",
			Payload:   json.RawMessage(`{"i":1}`),
		})
	}
	if _, err := f.AddRecords(recs); err != nil {
		t.Fatal(err)
	}
	p, err := f.GenerateProof(recs[3].ID)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	proofPath := writeFile(t, dir, "proof.json", p)
	good := writeFile(t, dir, "record.json", audit.Normalize(recs[3]))

	ok, err := checkProofFiles(proofPath, good)
	if err != nil || !ok {
		t.Fatalf("checkProofFiles(good) = %v, %v", ok, err)
	}

	tampered := audit.Normalize(recs[3])
	tampered.SubjectID = "someone-else"
	bad := writeFile(t, dir, "tampered.json", tampered)
	if ok, err := checkProofFiles(proofPath, bad); err != nil || ok {
		t.Errorf("checkProofFiles(tampered) = %v, %v", ok, err)
	}

	other := writeFile(t, dir, "other.json", audit.Normalize(recs[1]))
	if ok, _ := checkProofFiles(proofPath, other); ok {
		t.Error("proof verified for a different record")
	}

	if _, err := checkProofFiles(filepath.Join(dir, "missing.json"), good); err == nil {
		t.Error("expected error for a missing proof file")
	}
}

func TestReadRecords(t *testing.T) {
	id := uuid.New()
	in := strings.NewReader(`# exported 2026-03-01
{"id":"` + id.String() + `","timestamp":"2026-03-01T00:00:00Z","statute_id":"HIPAA","subject_id":"p1","payload":{"a":1}}

`)
	recs, err := readRecords(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != id || recs[0].StatuteID != "HIPAA" {
		t.Errorf("readRecords = %+v", recs)
	}

	if _, err := readRecords(strings.NewReader("{not json}\n")); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("expected line-numbered error, got %v", err)
	}
	if _, err := readRecords(strings.NewReader("\n\n")); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestIssueToken(t *testing.T) {
	const secret = "0123456789abcdef0123"
	tok, err := issueToken(secret, "auditd", "ops", []string{" records:write ", "", "forest:optimize"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	issuer, _ := api.NewTokenIssuer(secret, "auditd", time.Minute)
	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ops" || !claims.HasScope(api.ScopeIngest) || !claims.HasScope(api.ScopeOptimize) {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := issueToken("", "auditd", "ops", nil, time.Minute); err == nil {
		t.Error("expected error without a secret")
	}
}
