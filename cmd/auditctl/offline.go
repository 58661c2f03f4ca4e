package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/api"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/pkg/client"
)

// checkProofFiles verifies a saved proof against a saved record without
// contacting the server. It only proves membership under the root stored in
// the proof; whether that root is still current is a question for auditd.
func checkProofFiles(proofPath, recordPath string) (bool, error) {
	var p forest.Proof
	if err := readJSONFile(proofPath, &p); err != nil {
		return false, err
	}
	var r audit.Record
	if err := readJSONFile(recordPath, &r); err != nil {
		return false, err
	}
	if r.RecordHash == "" && len(r.Payload) == 0 {
		return false, errors.New("record has neither record_hash nor payload")
	}
	return p.Check(r)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// readRecords parses JSON Lines. Blank lines and lines starting with # are
// skipped.
func readRecords(in io.Reader) ([]client.Record, error) {
	var out []client.Record
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var r client.Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no records found")
	}
	return out, nil
}

func issueToken(secret, issuer, subject string, scopes []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("--secret is required (or AUDITCTL_SECRET)")
	}
	issuerSvc, err := api.NewTokenIssuer(secret, issuer, ttl)
	if err != nil {
		return "", err
	}
	clean := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	return issuerSvc.Issue(subject, clean)
}
