package diagstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chapmip/wxappliance/internal/report"
)

func TestSeverityName(t *testing.T) {
	cases := []struct {
		sev  report.Severity
		want string
	}{
		{report.SeverityProblem, "PROBLEM"},
		{report.SeverityAffirm, "AFFIRM"},
		{report.SeverityInfo, "INFO"},
		{report.SeverityDetail, "DETAIL"},
	}
	for _, c := range cases {
		if got := severityName(c.sev); got != c.want {
			t.Errorf("severityName(%v) = %q, want %q", c.sev, got, c.want)
		}
	}
}

func TestTableName(t *testing.T) {
	if got := (ReportEntry{}).TableName(); got != "appliance_report_entries" {
		t.Errorf("TableName() = %q, want appliance_report_entries", got)
	}
}

// testWriter returns a PostgresWriter connected to the test database given
// by the WXAPPLIANCE_TEST_DSN environment variable, skipping the test
// entirely when it is unset so the default test run stays fast and needs
// no live Postgres instance.
func testWriter(t *testing.T) *PostgresWriter {
	t.Helper()
	dsn := os.Getenv("WXAPPLIANCE_TEST_DSN")
	if dsn == "" {
		t.Skip("WXAPPLIANCE_TEST_DSN not set, skipping integration test")
	}

	sink := report.NewSink(func() report.Mode { return report.ModeTerse })
	w, err := NewPostgresWriter(dsn, 7, sink)
	if err != nil {
		t.Fatalf("NewPostgresWriter() error: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWriteLineAndPruneIntegration(t *testing.T) {
	w := testWriter(t)

	w.WriteLine(report.Line{Source: report.SourceMain, Severity: report.SeverityInfo, Text: "integration test line"})

	n, err := w.PruneOlderThan(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan() error: %v", err)
	}
	if n == 0 {
		t.Errorf("PruneOlderThan() removed 0 rows, want at least the row just written")
	}
}
