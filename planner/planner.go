// Package planner turns SQL text into executable plans. Statements with a
// DDL or transaction-control prefix take a fast path through the fallback
// planner; everything else runs the full relational pipeline: parse,
// validate, lower to the internal operator algebra, optimize.
package planner

import (
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
)

// fastPathPrefixes route straight to the fallback planner. The check is a
// case-sensitive uppercase prefix match on the untrimmed query, matching the
// incoming convention.
var fastPathPrefixes = []string{
	"CREATE",
	"DROP",
	"EXECUTE",
	"ALTER",
	"BEGIN",
	"COMMIT",
	"ROLLBACK",
	"TRUNCATE",
}

// TranslatedQuery pairs an execution plan with the evaluation context of one
// call. It lives only across a single execution.
type TranslatedQuery struct {
	Plan    *plan.ExecutionPlan
	Context *model.EvaluationContext
}

// Translator is the SQL front-end. It is stateless per query and safe for
// concurrent use.
type Translator struct {
	meta     Metadata
	fallback *fallbackPlanner
}

// NewTranslator builds a Translator over the engine metadata. cacheSize
// bounds the fallback plan cache.
func NewTranslator(meta Metadata, cacheSize int) (*Translator, error) {
	fallback, err := newFallbackPlanner(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Translator{meta: meta, fallback: fallback}, nil
}

// Translate parses, validates and lowers one statement.
func (t *Translator) Translate(defaultTableSpace, query string, params []any, wantsScan, allowCache, returnValues bool, maxRows int) (*TranslatedQuery, error) {
	for _, prefix := range fastPathPrefixes {
		if strings.HasPrefix(query, prefix) {
			return t.fallback.translate(defaultTableSpace, query, params, allowCache, maxRows)
		}
	}

	schema, err := buildRootSchema(t.meta)
	if err != nil {
		return nil, err
	}

	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, model.NewStatementExecutionError("cannot parse query", err)
	}

	tree, err := buildRel(stmt, schema, defaultTableSpace)
	if err != nil {
		return nil, err
	}
	best := findBestRel(tree)

	root, err := lowerRel(best, returnValues, t.meta.NodeID())
	if err != nil {
		return nil, err
	}

	executionPlan := plan.Simple(&plan.PlannedOperationStatement{
		TableSpaceName: defaultTableSpace,
		Root:           root,
	}).Optimize()

	return &TranslatedQuery{
		Plan:    executionPlan,
		Context: model.NewEvaluationContext(query, params),
	}, nil
}

// findBestRel picks the cheapest equivalent tree. The rule set is small:
// degenerate limits and single-input sorts with no keys collapse into their
// child. Richer rewrites (predicate pushdown) happen after lowering, on the
// operator tree.
func findBestRel(n rel) rel {
	switch node := n.(type) {
	case *relFilter:
		node.input = findBestRel(node.input)
		return node
	case *relProject:
		node.input = findBestRel(node.input)
		return node
	case *relSort:
		node.input = findBestRel(node.input)
		if len(node.fields) == 0 {
			return node.input
		}
		return node
	case *relLimit:
		node.input = findBestRel(node.input)
		if node.fetch == nil && node.offset == nil {
			return node.input
		}
		return node
	case *relAggregate:
		node.input = findBestRel(node.input)
		return node
	case *relInsert:
		node.input = findBestRel(node.input)
		return node
	case *relUpdate:
		node.input = findBestRel(node.input)
		return node
	case *relDelete:
		node.input = findBestRel(node.input)
		return node
	default:
		return n
	}
}

// CacheHits reports plan-cache hits, aggregated over the fallback planner.
func (t *Translator) CacheHits() int64 { return t.fallback.hits.Load() }

// CacheMisses reports plan-cache misses, aggregated over the fallback
// planner.
func (t *Translator) CacheMisses() int64 { return t.fallback.misses.Load() }

// CacheSize reports the number of cached fallback plans.
func (t *Translator) CacheSize() int { return t.fallback.cache.Len() }

// ClearCache drops every cached fallback plan.
func (t *Translator) ClearCache() { t.fallback.cache.Purge() }
