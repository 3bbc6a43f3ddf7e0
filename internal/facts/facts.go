// Package facts is the deductive layer: dispatch outcomes, policy
// decisions, backoff changes, and registry snapshots become Mangle
// facts, and agents query base and derived predicates (for example
// flaky_channel) instead of re-reading raw logs.
package facts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/config"
	"desknerd-mcp-server/internal/registry"
)

// Fact is one normalized event in the store.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Store wraps the Mangle deductive database with the dispatch-domain
// fact surface. A bounded temporal buffer backs predicate and time
// lookups; the Mangle store backs rule evaluation.
type Store struct {
	cfg          config.FactsConfig
	mu           sync.RWMutex
	schemaLoaded bool

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	facts []Fact
	index map[string][]int
}

// New builds the store and loads the schema when enabled.
func New(cfg config.FactsConfig) (*Store, error) {
	s := &Store{
		cfg:   cfg,
		facts: make([]Fact, 0, cfg.FactBufferLimit),
		index: make(map[string][]int),
		store: factstore.NewSimpleInMemoryStore(),
	}

	if cfg.Enable && cfg.SchemaPath != "" {
		if err := s.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadSchema parses and analyzes a Mangle schema file.
func (s *Store) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	sourceUnit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.programInfo = programInfo
	s.schemaLoaded = true
	return nil
}

// AddRule adds a Mangle rule at runtime, analyzed against the loaded
// program's declarations.
func (s *Store) AddRule(ruleSource string) error {
	if !s.cfg.Enable {
		return nil
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existingDecls := make(map[ast.PredicateSym]ast.Decl)
	if s.programInfo != nil && s.programInfo.Decls != nil {
		for k, v := range s.programInfo.Decls {
			if v != nil {
				existingDecls[k] = *v
			}
		}
	}

	newProgramInfo, err := analysis.AnalyzeOneUnit(sourceUnit, existingDecls)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if s.programInfo == nil {
		s.programInfo = newProgramInfo
	} else {
		for k, v := range newProgramInfo.Decls {
			s.programInfo.Decls[k] = v
		}
		s.programInfo.Rules = append(s.programInfo.Rules, newProgramInfo.Rules...)
		s.programInfo.InitialFacts = append(s.programInfo.InitialFacts, newProgramInfo.InitialFacts...)
	}
	return nil
}

// AddFacts appends facts to the temporal buffer and the Mangle store,
// then re-derives rules.
func (s *Store) AddFacts(ctx context.Context, facts []Fact) error {
	if !s.cfg.Enable {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	baseIdx := len(s.facts)
	s.facts = append(s.facts, facts...)
	if s.cfg.FactBufferLimit > 0 && len(s.facts) > s.cfg.FactBufferLimit {
		trim := len(s.facts) - s.cfg.FactBufferLimit
		s.facts = s.facts[trim:]
		s.rebuildIndex()
	} else {
		for i, f := range facts {
			s.index[f.Predicate] = append(s.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range facts {
		atom, err := factToAtom(f)
		if err != nil {
			continue
		}
		s.store.Add(atom)
	}

	if s.schemaLoaded && s.programInfo != nil {
		if err := engine.EvalProgram(s.programInfo, s.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

// Query runs a single-atom Mangle query and returns all variable
// bindings. Derived predicates work once their rules have evaluated.
func (s *Store) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !s.cfg.Enable || !s.schemaLoaded {
		return nil, fmt.Errorf("fact store not ready")
	}

	q := strings.TrimSpace(queryStr)
	if !strings.HasSuffix(q, ".") {
		q += "."
	}
	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(q)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := sourceUnit.Clauses[0].Head

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = s.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok {
				result[varArg.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	// The store misses facts whose arity never matched a declaration;
	// fall back to the temporal buffer.
	if len(results) == 0 {
		results = append(results, s.queryBufferDirect(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}
	return results, nil
}

// queryBufferDirect searches the temporal buffer for facts matching the
// predicate and argument pattern.
func (s *Store) queryBufferDirect(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)

	indices, exists := s.index[predicate]
	if !exists {
		return results
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(s.facts) {
			continue
		}
		f := s.facts[idx]
		if len(queryArgs) > 0 && len(f.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true
		for i, qArg := range queryArgs {
			if i >= len(f.Args) {
				break
			}
			if varArg, ok := qArg.(ast.Variable); ok {
				result[varArg.Symbol] = f.Args[i]
			} else if constArg, ok := qArg.(ast.Constant); ok {
				if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", convertConstant(constArg)) {
					matches = false
					break
				}
			}
		}
		if matches {
			results = append(results, result)
		}
	}
	return results
}

// Derived re-evaluates the program and returns every fact for one
// predicate, including rule-derived ones.
func (s *Store) Derived(ctx context.Context, predicate string) ([]Fact, error) {
	if !s.cfg.Enable || !s.schemaLoaded {
		return nil, fmt.Errorf("fact store not ready")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := engine.EvalProgram(s.programInfo, s.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range s.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}

	var queryAtom ast.Atom
	predSym := ast.PredicateSym{Symbol: predicate, Arity: arity}
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := 0; i < arity; i++ {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom = ast.Atom{Predicate: predSym, Args: args}
	} else {
		queryAtom = ast.Atom{Predicate: predSym}
	}

	facts := make([]Fact, 0)
	err := s.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		facts = append(facts, atomToFact(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// FactsByPredicate returns buffered facts for one predicate via the
// index.
func (s *Store) FactsByPredicate(predicate string) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indices, exists := s.index[predicate]
	if !exists {
		return []Fact{}
	}
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(s.facts) {
			results = append(results, s.facts[idx])
		}
	}
	return results
}

// Facts returns a copy of the buffered facts.
func (s *Store) Facts() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, len(s.facts))
	copy(out, s.facts)
	return out
}

// Ready reports whether queries can run.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaLoaded || !s.cfg.Enable
}

// OutcomeRecorded mirrors one finished dispatch into the store as
// dispatch_outcome(target, kind, channel, status, code).
func (s *Store) OutcomeRecorded(out action.Outcome) {
	code := ""
	if out.Err != nil {
		code = out.Err.Code
	}
	s.add(Fact{
		Predicate: "dispatch_outcome",
		Args:      []interface{}{out.Target, string(out.Kind), out.Channel, string(out.Status), code},
		Timestamp: out.At,
	})
}

// PolicyEvaluated mirrors one gate evaluation as
// policy_decision(target, kind, verdict, rule).
func (s *Store) PolicyEvaluated(target string, kind action.Kind, verdict, rule string) {
	s.add(Fact{
		Predicate: "policy_decision",
		Args:      []interface{}{target, string(kind), verdict, rule},
		Timestamp: time.Now(),
	})
}

// BackoffChanged mirrors a cooldown bump as
// channel_backoff(target, channel, failures).
func (s *Store) BackoffChanged(target, channel string, failures int) {
	s.add(Fact{
		Predicate: "channel_backoff",
		Args:      []interface{}{target, channel, failures},
		Timestamp: time.Now(),
	})
}

// TargetsRefreshed mirrors a registry snapshot as
// target_state(name, running, frontmost) rows.
func (s *Store) TargetsRefreshed(targets []registry.Target) {
	facts := make([]Fact, 0, len(targets))
	now := time.Now()
	for _, t := range targets {
		facts = append(facts, Fact{
			Predicate: "target_state",
			Args:      []interface{}{t.Name, boolArg(t.Running), boolArg(t.Frontmost)},
			Timestamp: now,
		})
	}
	if len(facts) == 0 {
		return
	}
	if err := s.AddFacts(context.Background(), facts); err != nil {
		log.Printf("[FACTS] recording target snapshot: %v", err)
	}
}

func (s *Store) add(f Fact) {
	if err := s.AddFacts(context.Background(), []Fact{f}); err != nil {
		log.Printf("[FACTS] recording %s: %v", f.Predicate, err)
	}
}

func boolArg(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func factToAtom(f Fact) (ast.Atom, error) {
	predSym := ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{Predicate: predSym, Args: args}, nil
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}

	switch term := c.(type) {
	case ast.Constant:
		if term.Type == ast.StringType {
			val, _ := term.StringValue()
			return val
		} else if term.Type == ast.NumberType {
			return term.NumberValue
		} else if term.Type == ast.Float64Type {
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (s *Store) rebuildIndex() {
	s.index = make(map[string][]int)
	for i, f := range s.facts {
		s.index[f.Predicate] = append(s.index[f.Predicate], i)
	}
}
