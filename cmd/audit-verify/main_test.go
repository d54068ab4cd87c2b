package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"portal-ledger/internal/audit"
)

func writeExport(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write([]string{"audit_id", "details_canonical", "details_digest"}))
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func TestVerifyCSV(t *testing.T) {
	good, err := audit.Canonicalize(map[string]string{"amount": "1.5", "transfer_id": "t1"})
	require.NoError(t, err)
	tampered, err := audit.Canonicalize(map[string]string{"amount": "1.5"})
	require.NoError(t, err)

	path := writeExport(t, [][]string{
		{"a1", good.Canonical, good.Digest},
		{"a2", `{"amount":"9.5"}`, tampered.Digest},
	})

	var v verifier
	require.NoError(t, verifyCSV(path, &v))
	require.Equal(t, 2, v.rows)
	require.Equal(t, []string{"a2"}, v.failures)

	var out, errOut bytes.Buffer
	require.ErrorIs(t, report(&out, &errOut, v), errMismatch)
	require.Contains(t, errOut.String(), "audit_id=a2")
}

func TestVerifyCSVMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("audit_id,details_digest\nx,y\n"), 0o600))

	var v verifier
	err := verifyCSV(path, &v)
	require.ErrorContains(t, err, "details_canonical")
}

func TestVerifyCSVShortRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("audit_id,details_canonical,details_digest\na1,{}\n"), 0o600))

	var v verifier
	err := verifyCSV(path, &v)
	require.EqualError(t, err, "line 2: short row")
	require.Zero(t, v.rows)
}

func TestReport(t *testing.T) {
	var out, errOut bytes.Buffer
	require.ErrorIs(t, report(&out, &errOut, verifier{}), errMismatch)

	out.Reset()
	require.NoError(t, report(&out, &errOut, verifier{rows: 3}))
	require.Equal(t, "OK: 3 audit records verified\n", out.String())
}
