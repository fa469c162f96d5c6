// Command sqllint verifies that every SQL constant carries a unique
// "--sql <uuid>" marker line, which the SQL runner logs with each query.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	markerPattern     = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

type violation struct {
	pos     token.Position
	name    string
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.pos.Filename, v.pos.Line, v.message, v.name)
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"."}
	}

	violations, err := lint(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "sqllint: SQL audit marker violations")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
		os.Exit(1)
	}
}

// linter carries marker ids across files so reuse is caught package-wide.
type linter struct {
	fset *token.FileSet
	seen map[string]token.Position
	out  []violation
}

func lint(targets []string) ([]violation, error) {
	l := &linter{fset: token.NewFileSet(), seen: map[string]token.Position{}}
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if filepath.Ext(target) == ".go" {
				if err := l.file(target); err != nil {
					return nil, err
				}
			}
			continue
		}
		err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			return l.file(path)
		})
		if err != nil {
			return nil, err
		}
	}
	return l.out, nil
}

func (l *linter) file(path string) error {
	file, err := parser.ParseFile(l.fset, path, nil, 0)
	if err != nil {
		return err
	}
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.CONST {
			continue
		}
		for _, spec := range gen.Specs {
			vs := spec.(*ast.ValueSpec)
			for i, value := range vs.Values {
				name := ""
				if i < len(vs.Names) {
					name = vs.Names[i].Name
				}
				l.check(name, value)
			}
		}
	}
	return nil
}

func (l *linter) check(name string, value ast.Expr) {
	lit := leftmostLiteral(value)
	if lit == nil {
		return
	}
	raw, err := unquote(lit.Value)
	if err != nil {
		return
	}
	marker, body := splitMarker(raw)
	if !strings.HasPrefix(marker, "--sql") && !sqlKeywordPattern.MatchString(raw) {
		return
	}
	pos := l.fset.Position(lit.Pos())
	switch {
	case !markerPattern.MatchString(marker):
		l.report(pos, name, "missing or invalid --sql <uuid> marker")
	case strings.TrimSpace(body) == "":
		l.report(pos, name, "marker without a query body")
	default:
		if first, dup := l.seen[marker]; dup {
			l.report(pos, name, fmt.Sprintf("marker already used at %s:%d", first.Filename, first.Line))
			return
		}
		l.seen[marker] = pos
	}
}

func (l *linter) report(pos token.Position, name, msg string) {
	l.out = append(l.out, violation{pos: pos, name: name, message: msg})
}

// leftmostLiteral follows string concatenation to its first literal.
func leftmostLiteral(expr ast.Expr) *ast.BasicLit {
	for {
		switch e := expr.(type) {
		case *ast.BasicLit:
			if e.Kind != token.STRING {
				return nil
			}
			return e
		case *ast.BinaryExpr:
			if e.Op != token.ADD {
				return nil
			}
			expr = e.X
		case *ast.ParenExpr:
			expr = e.X
		default:
			return nil
		}
	}
}

func splitMarker(s string) (marker, body string) {
	s = strings.TrimLeft(s, "\n\r \t")
	marker, body, _ = strings.Cut(s, "\n")
	return strings.TrimSpace(marker), body
}

func unquote(v string) (string, error) {
	if strings.HasPrefix(v, "`") {
		return strings.Trim(v, "`"), nil
	}
	return strconv.Unquote(v)
}
