package loader

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"

	xerrors "ExtensionHost/internal/errors"
)

// MarkerTable is the global whose literal table declares routes, hooks and jobs.
const MarkerTable = "plugin"

// Marker kinds.
const (
	MarkerRoute = "route"
	MarkerHook  = "hook"
	MarkerJob   = "job"
)

// Marker is one registration found in the entry file.
type Marker struct {
	Kind     string
	Method   string
	Path     string
	Event    string
	Job      string
	Schedule string
	Handler  string
	Requires []string
	Line     int
}

// Discovery is everything learned from the entry file without running it.
type Discovery struct {
	// Functions maps each top-level global function to its line.
	Functions map[string]int
	Markers   []Marker
	Warnings  []string
}

func (d *Discovery) warnf(line int, format string, args ...any) {
	d.Warnings = append(d.Warnings, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)))
}

// Discover inspects the syntax tree of a Lua source file.
func Discover(file string, src []byte) (*Discovery, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLoaderError, err, fmt.Sprintf("syntax error in %s", file))
	}
	d := &Discovery{Functions: make(map[string]int)}
	var marker *ast.TableExpr
	markerLine := 0
	for _, stmt := range chunk {
		switch s := stmt.(type) {
		case *ast.FuncDefStmt:
			if ident, ok := s.Name.Func.(*ast.IdentExpr); ok && s.Name.Receiver == nil {
				d.Functions[ident.Value] = s.Line()
			}
		case *ast.AssignStmt:
			for i, lhs := range s.Lhs {
				ident, ok := lhs.(*ast.IdentExpr)
				if !ok || i >= len(s.Rhs) {
					continue
				}
				switch rhs := s.Rhs[i].(type) {
				case *ast.FunctionExpr:
					d.Functions[ident.Value] = s.Line()
				case *ast.TableExpr:
					if ident.Value == MarkerTable {
						marker, markerLine = rhs, s.Line()
					}
				default:
					if ident.Value == MarkerTable {
						d.warnf(s.Line(), "%s must be assigned a literal table", MarkerTable)
					}
				}
			}
		}
	}
	if marker != nil {
		d.readMarkers(marker, markerLine)
	}
	return d, nil
}

func (d *Discovery) readMarkers(tbl *ast.TableExpr, line int) {
	for _, field := range tbl.Fields {
		key, ok := field.Key.(*ast.StringExpr)
		if !ok {
			d.warnf(line, "%s table has a non-string key", MarkerTable)
			continue
		}
		list, ok := field.Value.(*ast.TableExpr)
		if !ok {
			d.warnf(field.Value.Line(), "%s.%s must be a list", MarkerTable, key.Value)
			continue
		}
		var kind string
		switch key.Value {
		case "routes":
			kind = MarkerRoute
		case "hooks":
			kind = MarkerHook
		case "jobs":
			kind = MarkerJob
		default:
			d.warnf(field.Value.Line(), "unknown section %s.%s ignored", MarkerTable, key.Value)
			continue
		}
		for _, item := range list.Fields {
			if item.Key != nil {
				d.warnf(item.Value.Line(), "%s.%s entries must be list items", MarkerTable, key.Value)
				continue
			}
			m, err := markerFrom(kind, item.Value)
			if err != nil {
				d.warnf(item.Value.Line(), "%s entry dropped: %v", kind, err)
				continue
			}
			d.Markers = append(d.Markers, m)
		}
	}
}

func markerFrom(kind string, expr ast.Expr) (Marker, error) {
	tbl, ok := expr.(*ast.TableExpr)
	if !ok {
		return Marker{}, fmt.Errorf("entry is not a table")
	}
	m := Marker{Kind: kind, Line: expr.Line()}
	for _, field := range tbl.Fields {
		key, ok := field.Key.(*ast.StringExpr)
		if !ok {
			return Marker{}, fmt.Errorf("entry fields must be named")
		}
		// A handler may name the function directly instead of quoting it.
		if ident, ok := field.Value.(*ast.IdentExpr); ok && key.Value == "handler" {
			m.Handler = ident.Value
			continue
		}
		value, err := literal(field.Value, 0)
		if err != nil {
			return Marker{}, fmt.Errorf("field %s: %w", key.Value, err)
		}
		switch key.Value {
		case "method":
			m.Method = strings.ToUpper(asString(value))
		case "path":
			m.Path = asString(value)
		case "event":
			m.Event = asString(value)
		case "name":
			m.Job = asString(value)
		case "schedule":
			m.Schedule = asString(value)
		case "handler":
			m.Handler = asString(value)
		case "requires":
			perms, ok := value.([]any)
			if !ok {
				return Marker{}, fmt.Errorf("requires must be a list")
			}
			for _, p := range perms {
				s, ok := p.(string)
				if !ok {
					return Marker{}, fmt.Errorf("requires must list strings")
				}
				m.Requires = append(m.Requires, s)
			}
		default:
			return Marker{}, fmt.Errorf("unknown field %q", key.Value)
		}
	}
	if m.Handler == "" {
		return Marker{}, fmt.Errorf("handler is required")
	}
	switch kind {
	case MarkerRoute:
		if m.Method == "" {
			m.Method = "GET"
		}
		if m.Path == "" {
			return Marker{}, fmt.Errorf("path is required")
		}
	case MarkerHook:
		if m.Event == "" {
			return Marker{}, fmt.Errorf("event is required")
		}
	case MarkerJob:
		if m.Job == "" {
			return Marker{}, fmt.Errorf("name is required")
		}
	}
	return m, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// literal evaluates a constant expression. Anything that would need execution is rejected.
func literal(expr ast.Expr, depth int) (any, error) {
	if depth > 8 {
		return nil, fmt.Errorf("table nesting too deep")
	}
	switch e := expr.(type) {
	case *ast.StringExpr:
		return e.Value, nil
	case *ast.NumberExpr:
		return parseNumber(e.Value)
	case *ast.UnaryMinusOpExpr:
		v, err := literal(e.Expr, depth)
		if err != nil {
			return nil, err
		}
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("unary minus on a non-number")
		}
		return -f, nil
	case *ast.TrueExpr:
		return true, nil
	case *ast.FalseExpr:
		return false, nil
	case *ast.NilExpr:
		return nil, nil
	case *ast.TableExpr:
		if len(e.Fields) == 0 {
			return []any{}, nil
		}
		if e.Fields[0].Key == nil {
			out := make([]any, 0, len(e.Fields))
			for _, f := range e.Fields {
				if f.Key != nil {
					return nil, fmt.Errorf("mixed list and map table")
				}
				v, err := literal(f.Value, depth+1)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		}
		out := make(map[string]any, len(e.Fields))
		for _, f := range e.Fields {
			key, ok := f.Key.(*ast.StringExpr)
			if !ok {
				return nil, fmt.Errorf("table keys must be strings")
			}
			v, err := literal(f.Value, depth+1)
			if err != nil {
				return nil, err
			}
			out[key.Value] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("only literal values are allowed")
	}
}

func parseNumber(s string) (float64, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	i, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return float64(i), nil
}

// ConventionalHook is the handler name looked up for a manifest event without a marker.
func ConventionalHook(eventType string) string {
	return "on_" + strings.ReplaceAll(eventType, ".", "_")
}

// ConventionalJob is the handler name looked up for a manifest job without a marker.
func ConventionalJob(name string) string {
	return "job_" + name
}
