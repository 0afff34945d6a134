package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

func TestPQErrorCodes(t *testing.T) {
	unique := &pq.Error{Code: pqUniqueViolation}
	fk := &pq.Error{Code: pqForeignKeyViolation}

	if !isUniqueViolation(unique) {
		t.Error("expected unique violation")
	}
	if !isUniqueViolation(fmt.Errorf("insert: %w", unique)) {
		t.Error("expected wrapped unique violation")
	}
	if isUniqueViolation(fk) {
		t.Error("foreign key error reported as unique violation")
	}
	if !isForeignKeyViolation(fk) {
		t.Error("expected foreign key violation")
	}
	if pqCode(errors.New("plain")) != "" {
		t.Error("expected empty code for non-pq error")
	}
}

func TestNullHelpers(t *testing.T) {
	if nullString("").Valid {
		t.Error("empty string should be NULL")
	}
	if ns := nullString("x"); !ns.Valid || ns.String != "x" {
		t.Errorf("nullString(x) = %+v", ns)
	}

	if nullTime(nil).Valid {
		t.Error("nil time should be NULL")
	}
	now := time.Now()
	if got := timePtr(nullTime(&now)); got == nil || !got.Equal(now) {
		t.Errorf("time round trip = %v", got)
	}
	if timePtr(sql.NullTime{}) != nil {
		t.Error("NULL time should be nil")
	}
}

func TestSecretRefColumns(t *testing.T) {
	handle := "6f1c2a4e-8d3b-4f5a-9c7e-1b2d3e4f5a6b"

	tests := []struct {
		name  string
		ref   *domain.SecretRef
		valid bool
		kind  domain.SecretKind
	}{
		{"nil", nil, false, ""},
		{"empty", &domain.SecretRef{}, false, ""},
		{"handle", &domain.SecretRef{Kind: domain.SecretKindHandle, Value: handle}, true, domain.SecretKindHandle},
		{"label", &domain.SecretRef{Kind: domain.SecretKindLabel, Value: "acme_client_secret"}, true, domain.SecretKindLabel},
		{"legacy", &domain.SecretRef{Kind: domain.SecretKindLegacy, Value: "raw-token"}, true, domain.SecretKindLegacy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := nullRef(tt.ref)
			if ns.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v", ns.Valid, tt.valid)
			}
			back := refPtr(ns)
			if !tt.valid {
				if back != nil {
					t.Errorf("expected nil ref, got %+v", back)
				}
				return
			}
			if back == nil || back.Kind != tt.kind || back.Value != tt.ref.Value {
				t.Errorf("round trip = %+v, want %+v", back, tt.ref)
			}
		})
	}
}

func TestHashLockName(t *testing.T) {
	a := hashLockName("rotation-cycle")
	if a != hashLockName("rotation-cycle") {
		t.Error("hash is not stable")
	}
	if a == hashLockName("audit-cycle") {
		t.Error("distinct names hashed to the same key")
	}
}

func TestCapabilityMap(t *testing.T) {
	in := map[string]domain.ScopeSet{
		"send":  {"mail.send"},
		"read":  {"mail.read", "profile"},
		"empty": {},
	}
	out := capabilityMap(in)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	if got := out["read"]; len(got) != 2 || got[0] != "mail.read" || got[1] != "profile" {
		t.Errorf("read = %v", got)
	}
}

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestExpectOneRow(t *testing.T) {
	if err := expectOneRow(fakeResult{rows: 1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := expectOneRow(fakeResult{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := expectOneRow(fakeResult{err: errors.New("driver")}); err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected driver error, got %v", err)
	}
}

func TestUpdateConnectionQuery(t *testing.T) {
	if strings.Contains(updateConnectionQuery, "last_used_at") {
		t.Error("Update must leave last_used_at to TouchLastUsed")
	}

	highest := 0
	for _, m := range regexp.MustCompile(`\$(\d+)`).FindAllStringSubmatch(updateConnectionQuery, -1) {
		n, _ := strconv.Atoi(m[1])
		highest = max(highest, n)
	}
	// Update binds id, expected generation and ten column values.
	if highest != 12 {
		t.Errorf("highest placeholder = $%d, want $12", highest)
	}
}
