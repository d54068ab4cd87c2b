// Command audit-verify recomputes the digest of every audit record and
// checks it against the stored one. Input is either a CSV export with
// columns audit_id,details_canonical,details_digest or a live database.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"portal-ledger/internal/audit"
	"portal-ledger/internal/domain"
	"portal-ledger/internal/store"
)

type row struct {
	ID        string
	Canonical string
	Digest    string
}

// verifier counts rows and collects the ids that fail.
type verifier struct {
	rows     int
	failures []string
}

func (v *verifier) check(r row) {
	v.rows++
	if !audit.Verify(r.Canonical, r.Digest) {
		v.failures = append(v.failures, r.ID)
	}
}

// errMismatch is returned when at least one record fails verification.
var errMismatch = errors.New("audit verification failed")

func main() {
	var inPath, dsn string

	cmd := &cobra.Command{
		Use:          "audit-verify",
		Short:        "Recompute audit_log digests and compare them with the stored ones",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if (inPath == "") == (dsn == "") {
				return errors.New("exactly one of --in or --dsn is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var v verifier
			var err error
			if inPath != "" {
				err = verifyCSV(inPath, &v)
			} else {
				err = verifyDB(cmd.Context(), dsn, &v)
			}
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), cmd.ErrOrStderr(), v)
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "CSV export of audit_log (audit_id,details_canonical,details_digest)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN to read audit_log from directly")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, errMismatch) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func report(stdout, stderr io.Writer, v verifier) error {
	if v.rows == 0 {
		fmt.Fprintln(stderr, "FAIL: empty export")
		return errMismatch
	}
	if len(v.failures) > 0 {
		fmt.Fprintf(stderr, "FAIL: %d of %d records do not match their digest\n", len(v.failures), v.rows)
		for _, id := range v.failures {
			fmt.Fprintln(stderr, "  audit_id="+id)
		}
		return errMismatch
	}
	fmt.Fprintf(stdout, "OK: %d audit records verified\n", v.rows)
	return nil
}

func verifyCSV(path string, v *verifier) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	width := 0
	for _, need := range []string{"audit_id", "details_canonical", "details_digest"} {
		i, ok := col[need]
		if !ok {
			return fmt.Errorf("missing column: %s", need)
		}
		width = max(width, i+1)
	}

	for lineNo := 2; ; lineNo++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("csv read line %d: %w", lineNo, err)
		}
		if len(rec) < width {
			return fmt.Errorf("line %d: short row", lineNo)
		}
		v.check(row{
			ID:        rec[col["audit_id"]],
			Canonical: rec[col["details_canonical"]],
			Digest:    rec[col["details_digest"]],
		})
	}
}

func verifyDB(ctx context.Context, dsn string, v *verifier) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	return store.New(pool).ScanAudit(ctx, func(rec domain.AuditRecord) error {
		v.check(row{ID: rec.ID.String(), Canonical: rec.DetailsCanonical, Digest: rec.DetailsDigest})
		return nil
	})
}
