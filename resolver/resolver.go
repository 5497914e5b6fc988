// Package resolver substitutes template placeholders from caller input,
// tabular lookups, and dynamically registered data-fetch methods.
package resolver

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/calliopehq/calliope/errors"
)

// Scope carries the multi-tenancy context of one resolution. TeamID is the
// primary isolation boundary; TenantID is optional and may be empty.
type Scope struct {
	TeamID   string
	TenantID string
}

// Resolver resolves template tokens. Resolve never fails: any internal error
// degrades the affected token to the caller-supplied fallback or an empty
// string, and is logged.
type Resolver struct {
	defs    DefinitionLookup
	tables  TableLookup
	methods *MethodRegistry
	logger  *zap.SugaredLogger
}

// New creates a Resolver. The method registry is injected by reference so
// callers control exactly which dynamic methods exist.
func New(defs DefinitionLookup, tables TableLookup, methods *MethodRegistry, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if methods == nil {
		methods = NewMethodRegistry()
	}
	return &Resolver{
		defs:    defs,
		tables:  tables,
		methods: methods,
		logger:  logger,
	}
}

// dynamicCall is one pending dynamic-method dispatch, collected during token
// classification and fanned out concurrently afterwards.
type dynamicCall struct {
	token  string
	method Method
	args   map[string]string
}

// Resolve substitutes every {token} / { token } occurrence in template.
// Resolving a template with zero tokens returns it unchanged; each unique
// token is resolved exactly once, so repeated occurrences get an identical
// value.
func (r *Resolver) Resolve(ctx context.Context, template string, scope Scope, bag map[string]string) string {
	tokens := ExtractTokens(template)
	if len(tokens) == 0 {
		return template
	}
	if bag == nil {
		bag = map[string]string{}
	}

	values := make(map[string]string, len(tokens))
	var dynamic []dynamicCall

	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, PrefixInput):
			values[tok] = bag[tok]

		case strings.HasPrefix(tok, PrefixTable):
			values[tok] = r.resolvePrefixedTable(ctx, tok, scope, bag)

		default:
			def, err := r.defs.DefinitionByKeyOrLabel(ctx, tok, scope.TeamID)
			if err != nil {
				if !errors.IsNotFoundError(err) {
					r.logger.Warnw("Definition lookup failed, falling back",
						"token", tok, "team_id", scope.TeamID, "error", err)
				}
				values[tok] = bag[tok]
				continue
			}

			switch def.Source {
			case SourceDynamicMethod:
				method, err := r.methods.Get(def.MethodName)
				if err != nil {
					r.logger.Warnw("Dynamic method not registered, falling back",
						"token", tok, "method", def.MethodName)
					values[tok] = bag[tok]
					continue
				}
				dynamic = append(dynamic, dynamicCall{
					token:  tok,
					method: method,
					args:   buildMethodArgs(def, scope, bag),
				})

			case SourceTabularLookup:
				values[tok] = r.lookupCell(ctx, def, def.RowParam, bag[def.RowParam])

			default: // user_input
				values[tok] = bag[tok]
			}
		}
	}

	// Fan out independent dynamic-method calls and join before substitution.
	if len(dynamic) > 0 {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, call := range dynamic {
			wg.Add(1)
			go func(call dynamicCall) {
				defer wg.Done()

				value, err := call.method.Resolve(ctx, call.args)
				if err != nil {
					// One call's failure degrades its own token only.
					r.logger.Warnw("Dynamic method failed, falling back",
						"token", call.token, "method", call.method.Name(), "error", err)
					value = bag[call.token]
				}

				mu.Lock()
				values[call.token] = value
				mu.Unlock()
			}(call)
		}
		wg.Wait()
	}

	out := template
	for _, tok := range tokens {
		out = substitute(out, tok, values[tok])
	}
	return out
}

// resolvePrefixedTable handles table.<defKey>.<locator> tokens. The locator
// names either the row-sequence id ("id" or any numeric value) or another
// column to match against; the locator value comes from the caller bag under
// the full token key. Anything missing yields an empty string.
func (r *Resolver) resolvePrefixedTable(ctx context.Context, token string, scope Scope, bag map[string]string) string {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return ""
	}
	defKey, locator := parts[1], parts[2]

	def, err := r.defs.DefinitionByKeyOrLabel(ctx, defKey, scope.TeamID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			r.logger.Warnw("Tabular definition lookup failed",
				"token", token, "error", err)
		}
		return ""
	}

	return r.lookupCell(ctx, def, locator, bag[token])
}

// lookupCell reads one cell from the definition's table. A numeric locator
// value (or the conventional "id" locator) selects the row by sequence id;
// otherwise the locator names a column to match, first match wins.
func (r *Resolver) lookupCell(ctx context.Context, def *Definition, locator, locatorValue string) string {
	if def.TableID == "" || def.ColumnKey == "" || locatorValue == "" {
		return ""
	}

	var value string
	var err error
	seq, numErr := strconv.ParseInt(locatorValue, 10, 64)
	if numErr == nil && (locator == "" || locator == "id" || locator == def.RowParam) {
		value, err = r.tables.CellByRowSeq(ctx, def.TableID, seq, def.ColumnKey)
	} else {
		value, err = r.tables.CellByColumnMatch(ctx, def.TableID, locator, locatorValue, def.ColumnKey)
	}
	if err != nil {
		r.logger.Warnw("Tabular lookup failed",
			"table_id", def.TableID, "column", def.ColumnKey, "locator", locator, "error", err)
		return ""
	}
	return value
}

// buildMethodArgs merges static config, the tenant-injected parameter (when a
// tenant is in scope), and caller overrides, in increasing precedence.
func buildMethodArgs(def *Definition, scope Scope, bag map[string]string) map[string]string {
	args := make(map[string]string, len(def.StaticParams)+2)
	for k, v := range def.StaticParams {
		args[k] = v
	}

	if def.TenantParamKey != "" && scope.TenantID != "" {
		args[def.TenantParamKey] = scope.TenantID
	}

	// Caller overrides are bag entries namespaced under the definition key:
	// "<key>.<param>" overrides param for this call.
	prefix := def.Key + "."
	for k, v := range bag {
		if strings.HasPrefix(k, prefix) {
			args[strings.TrimPrefix(k, prefix)] = v
		}
	}

	return args
}
