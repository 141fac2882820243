package planner

import (
	"testing"

	"github.com/granitedb/granite/model"
)

func TestFallback_CreateTable(t *testing.T) {
	fb, err := newFallbackPlanner(8)
	if err != nil {
		t.Fatalf("newFallbackPlanner: %v", err)
	}

	translated, err := fb.translate("ts1",
		"CREATE TABLE orders (id long primary key, customer string, total int)", nil, false, 0)
	if err != nil {
		t.Fatalf("translate error: %v", err)
	}
	create, ok := translated.Plan.Main.(*model.CreateTableStatement)
	if !ok {
		t.Fatalf("statement = %T", translated.Plan.Main)
	}
	table := create.Table
	if table.TableSpace != "ts1" || table.Name != "orders" {
		t.Fatalf("table = %s.%s", table.TableSpace, table.Name)
	}
	if len(table.Columns) != 3 {
		t.Fatalf("columns = %v", table.Columns)
	}
	if table.Columns[0].Type != model.TypeLong || table.Columns[2].Type != model.TypeInteger {
		t.Fatalf("column types = %v", table.Columns)
	}
	if len(table.PrimaryKey) != 1 || table.PrimaryKey[0] != "id" {
		t.Fatalf("primary key = %v", table.PrimaryKey)
	}
}

func TestFallback_CreateTableCompositeKey(t *testing.T) {
	fb, _ := newFallbackPlanner(8)
	translated, err := fb.translate("ts1",
		"CREATE TABLE m (a string, b long, v string, PRIMARY KEY (a, b))", nil, false, 0)
	if err != nil {
		t.Fatalf("translate error: %v", err)
	}
	create := translated.Plan.Main.(*model.CreateTableStatement)
	if got := create.Table.PrimaryKey; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("primary key = %v", got)
	}
}

func TestFallback_QualifiedNamesAndDrop(t *testing.T) {
	fb, _ := newFallbackPlanner(8)

	translated, err := fb.translate("default", "DROP TABLE ts2.gone", nil, false, 0)
	if err != nil {
		t.Fatalf("translate error: %v", err)
	}
	drop := translated.Plan.Main.(*model.DropTableStatement)
	if drop.TableSpaceName != "ts2" || drop.Table != "gone" || drop.IfExists {
		t.Fatalf("drop = %+v", drop)
	}

	translated, err = fb.translate("default", "DROP TABLE IF EXISTS gone", nil, false, 0)
	if err != nil {
		t.Fatalf("translate error: %v", err)
	}
	drop = translated.Plan.Main.(*model.DropTableStatement)
	if !drop.IfExists || drop.TableSpaceName != "default" {
		t.Fatalf("drop = %+v", drop)
	}
}

func TestFallback_TransactionControl(t *testing.T) {
	fb, _ := newFallbackPlanner(8)

	tests := []struct {
		query string
		check func(model.Statement) bool
	}{
		{"BEGIN", func(s model.Statement) bool {
			b, ok := s.(*model.BeginTransactionStatement)
			return ok && b.TableSpaceName == "ts1"
		}},
		{"BEGIN TRANSACTION", func(s model.Statement) bool {
			_, ok := s.(*model.BeginTransactionStatement)
			return ok
		}},
		{"COMMIT", func(s model.Statement) bool {
			c, ok := s.(*model.CommitTransactionStatement)
			return ok && c.TxID == 0
		}},
		{"ROLLBACK", func(s model.Statement) bool {
			_, ok := s.(*model.RollbackTransactionStatement)
			return ok
		}},
		{"EXECUTE COMMITTRANSACTION 'ts9',42", func(s model.Statement) bool {
			c, ok := s.(*model.CommitTransactionStatement)
			return ok && c.TableSpaceName == "ts9" && c.TxID == 42
		}},
		{"EXECUTE ROLLBACKTRANSACTION 'ts9',43", func(s model.Statement) bool {
			r, ok := s.(*model.RollbackTransactionStatement)
			return ok && r.TableSpaceName == "ts9" && r.TxID == 43
		}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			translated, err := fb.translate("ts1", tt.query, nil, false, 0)
			if err != nil {
				t.Fatalf("translate error: %v", err)
			}
			if !tt.check(translated.Plan.Main) {
				t.Fatalf("statement = %+v", translated.Plan.Main)
			}
		})
	}
}

func TestFallback_CacheCountersAggregate(t *testing.T) {
	tr, err := NewTranslator(testMeta(), 8)
	if err != nil {
		t.Fatalf("NewTranslator: %v", err)
	}

	if _, err := tr.Translate("ts1", "BEGIN", nil, false, true, true, 0); err != nil {
		t.Fatalf("first translate: %v", err)
	}
	if _, err := tr.Translate("ts1", "BEGIN", nil, false, true, true, 0); err != nil {
		t.Fatalf("second translate: %v", err)
	}

	if tr.CacheMisses() != 1 {
		t.Fatalf("misses = %d, want 1", tr.CacheMisses())
	}
	if tr.CacheHits() != 1 {
		t.Fatalf("hits = %d, want 1", tr.CacheHits())
	}
	if tr.CacheSize() != 1 {
		t.Fatalf("size = %d, want 1", tr.CacheSize())
	}

	tr.ClearCache()
	if tr.CacheSize() != 0 {
		t.Fatalf("size after purge = %d", tr.CacheSize())
	}
}

func TestFallback_NoCacheWhenDisallowed(t *testing.T) {
	fb, _ := newFallbackPlanner(8)
	if _, err := fb.translate("ts1", "BEGIN", nil, false, 0); err != nil {
		t.Fatalf("translate: %v", err)
	}
	if fb.cache.Len() != 0 {
		t.Fatalf("cache size = %d with allowCache=false", fb.cache.Len())
	}
	if fb.hits.Load() != 0 || fb.misses.Load() != 0 {
		t.Fatalf("counters moved without cache use: hits=%d misses=%d", fb.hits.Load(), fb.misses.Load())
	}
}

func TestFallback_UnsupportedStatement(t *testing.T) {
	fb, _ := newFallbackPlanner(8)
	if _, err := fb.translate("ts1", "EXECUTE NOSUCHPROC 'x'", nil, false, 0); err == nil {
		t.Fatal("expected error for unknown EXECUTE procedure")
	}
}
