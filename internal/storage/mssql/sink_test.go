package mssql

import (
	"strings"
	"testing"
)

func TestBuildCreateSQL_UsesObjectIDGuard(t *testing.T) {
	t.Parallel()

	q, err := buildCreateSQL("dbo.orders", []string{"ID", "we]ird"})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "IF OBJECT_ID(N'dbo.orders', N'U') IS NULL BEGIN CREATE TABLE [dbo].[orders] ([ID] NVARCHAR(MAX) NULL, [we]]ird] NVARCHAR(MAX) NULL); END;"
	if q != want {
		t.Fatalf("sql=%q\nwant %q", q, want)
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildBulkInsertSQL("orders", []string{"a", "b"}, [][]any{{"1", "2"}, {"3", "4"}})
	if !strings.HasSuffix(q, "([a], [b]) VALUES (@p1, @p2), (@p3, @p4);") {
		t.Fatalf("sql=%q", q)
	}
	if len(args) != 4 {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	if _, err := buildCreateSQL("", []string{"a"}); err == nil {
		t.Fatalf("expected error for empty table")
	}
	if _, err := buildCreateSQL("t", nil); err == nil {
		t.Fatalf("expected error for no columns")
	}
}
