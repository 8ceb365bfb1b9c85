// Package srcweave instruments Go source. Matching functions get a call
// site prologue that hands receiver, arguments and results to the
// interceptor bound at run time through the callsite package.
package srcweave

import (
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/pkg/errors"
)

const (
	sitePrefix = "_sw_site_"
	frameVar   = "_sw_frame"
	// SitesFile is the companion file declaring the sites of a package.
	SitesFile = "sw_sites.go"
)

var ErrNoPackage = errors.New("no Go files in directory")

// Site is one instrumented function of a package.
type Site struct {
	Var         string
	ClassName   string
	MethodName  string
	Params      string
	Interceptor string
	Scope       string
	Policy      scope.Policy
}

// Weaver rewrites the functions named by its points.
type Weaver struct {
	points []*InstrumentPoint
	log    logr.Logger
}

type Option func(w *Weaver)

func WithLogger(log logr.Logger) Option {
	return func(w *Weaver) {
		w.log = log
	}
}

func New(points []*InstrumentPoint, opts ...Option) *Weaver {
	w := &Weaver{points: points, log: logr.Discard()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// File is a parsed source file and the sites woven into it.
type File struct {
	Path  string
	Dst   *dst.File
	Sites []Site
}

// Instruments reports whether any point targets pkgPath.
func (w *Weaver) Instruments(pkgPath string) bool {
	for _, p := range w.points {
		if p.Package == pkgPath {
			return true
		}
	}
	return false
}

// WeaveFile parses src (read from path when nil) and instruments the
// functions matched by points of pkgPath. The returned file has no sites
// when nothing matched.
func (w *Weaver) WeaveFile(pkgPath, path string, src []byte) (*File, error) {
	return w.weaveFile(pkgPath, path, src, make(siteNames))
}

func (w *Weaver) weaveFile(pkgPath, path string, src []byte, names siteNames) (*File, error) {
	// a nil slice inside the interface would parse as an empty file
	var source any
	if src != nil {
		source = src
	}
	fset := token.NewFileSet()
	af, err := parser.ParseFile(fset, path, source, parser.ParseComments)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	dec := decorator.NewDecorator(fset)
	df, err := dec.DecorateFile(af)
	if err != nil {
		return nil, errors.Wrapf(err, "decorate %s", path)
	}

	var points []*InstrumentPoint
	for _, p := range w.points {
		if p.matchFile(pkgPath, filepath.Base(path)) {
			points = append(points, p)
		}
	}
	out := &File{Path: path, Dst: df}
	if len(points) == 0 {
		return out, nil
	}

	dstutil.Apply(df, func(cursor *dstutil.Cursor) bool {
		decl, ok := cursor.Node().(*dst.FuncDecl)
		if !ok {
			return true
		}
		for _, p := range points {
			if !p.matchFunc(decl) {
				continue
			}
			site := w.instrument(pkgPath, path, fset, dec, decl, p, names)
			out.Sites = append(out.Sites, site)
			w.log.V(1).Info("function instrumented", "package", pkgPath, "func", site.ClassName+"."+site.MethodName, "interceptor", p.Interceptor)
			break
		}
		return false
	}, nil)
	return out, nil
}

func (w *Weaver) instrument(pkgPath, path string, fset *token.FileSet, dec *decorator.Decorator, decl *dst.FuncDecl, p *InstrumentPoint, names siteNames) Site {
	// the position of the original first statement, taken before the body
	// changes
	var first dst.Stmt
	var firstPos token.Position
	if len(decl.Body.List) > 0 {
		first = decl.Body.List[0]
		if n, ok := dec.Ast.Nodes[first]; ok {
			firstPos = fset.Position(n.Pos())
		}
	}

	recvs := enhanceParameterNames(decl.Recv, "_sw_recv")
	params := enhanceParameterNames(decl.Type.Params, "_sw_param")
	results := enhanceParameterNames(decl.Type.Results, "_sw_result")

	className := pkgPath
	target := "nil"
	if len(recvs) > 0 {
		className = pkgPath + "." + strings.TrimPrefix(receiverName(recvs[0].Type), "*")
		target = recvs[0].Name
	}
	site := Site{
		Var:         names.unique(sitePrefix + buildFuncID(pkgPath, p.Receiver, decl.Name.Name)),
		ClassName:   className,
		MethodName:  decl.Name.Name,
		Params:      parameterDescription(params),
		Interceptor: p.Interceptor,
		Scope:       p.Scope,
		Policy:      p.Policy,
	}

	enter := append([]string{target}, parameterNames(params)...)
	exit := append([]string{"recover()"}, parameterNames(results)...)
	prologue := goStringToStmts(fmt.Sprintf("%s := %s.Enter(%s)\ndefer func() { %s.Exit(%s) }()",
		frameVar, site.Var, strings.Join(enter, ", "), frameVar, strings.Join(exit, ", ")))

	if first != nil && firstPos.IsValid() {
		first.Decorations().Before = dst.NewLine
		first.Decorations().Start.Append(fmt.Sprintf("/*line %s:%d:%d*/", path, firstPos.Line, firstPos.Column))
	}
	decl.Body.List = append(prologue, decl.Body.List...)
	return site
}

var funcIDPattern = regexp.MustCompile(`[/.\-@*]`)

func buildFuncID(pkgPath, receiver, name string) string {
	id := funcIDPattern.ReplaceAllString(pkgPath, "_") + "_"
	if r := strings.TrimPrefix(receiver, "*"); r != "" {
		id += r + "_"
	}
	return id + name
}

// siteNames hands out the site variables of one package. Functions sharing
// an identity, such as several init funcs, get a numeric suffix.
type siteNames map[string]bool

func (n siteNames) unique(base string) string {
	name := base
	for i := 1; n[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	n[name] = true
	return name
}

// Result lists what WeaveDir or WeaveCompile wrote.
type Result struct {
	Package string
	Files   []string
	Woven   []string
	Sites   []Site
	// Replaced maps each woven source file to its rewritten copy.
	Replaced map[string]string
}

// WeaveDir weaves the package of pkgPath found in srcDir into outDir. Every
// non test Go file is written to outDir, woven ones with a line directive
// pointing back at the source, and the sites are declared in SitesFile.
func (w *Weaver) WeaveDir(pkgPath, srcDir, outDir string) (*Result, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") || name == SitesFile {
			continue
		}
		paths = append(paths, filepath.Join(srcDir, name))
	}
	res, err := w.weaveFiles(pkgPath, paths, outDir, true, ImportRuntime)
	if err != nil {
		return nil, err
	}
	if res.Package == "" {
		return nil, errors.Wrapf(ErrNoPackage, "%s", srcDir)
	}
	return res, nil
}

// WeaveCompile weaves the files of one compile invocation. Only rewritten
// files are written to buildDir, together with a sites file that reaches the
// runtime through the linker, so the compile needs no extra imports.
func (w *Weaver) WeaveCompile(pkgPath string, files []string, buildDir string) (*Result, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, err
		}
		paths = append(paths, abs)
	}
	return w.weaveFiles(pkgPath, paths, buildDir, false, LinkRuntime)
}

func (w *Weaver) weaveFiles(pkgPath string, paths []string, outDir string, all bool, linkage Linkage) (*Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	res := &Result{Replaced: make(map[string]string)}
	names := make(siteNames)
	for _, path := range paths {
		f, err := w.weaveFile(pkgPath, path, nil, names)
		if err != nil {
			return nil, err
		}
		if res.Package == "" {
			res.Package = f.Dst.Name.Name
		}
		if len(f.Sites) == 0 && !all {
			continue
		}
		dest := filepath.Join(outDir, filepath.Base(path))
		if err := writeWoven(f, dest); err != nil {
			return nil, err
		}
		res.Files = append(res.Files, dest)
		if len(f.Sites) > 0 {
			res.Woven = append(res.Woven, dest)
			res.Sites = append(res.Sites, f.Sites...)
			res.Replaced[path] = dest
		}
	}
	if len(res.Sites) > 0 {
		sort.Slice(res.Sites, func(i, j int) bool { return res.Sites[i].Var < res.Sites[j].Var })
		dest := filepath.Join(outDir, SitesFile)
		if err := writeSites(dest, res.Package, res.Sites, linkage); err != nil {
			return nil, err
		}
		res.Files = append(res.Files, dest)
	}
	return res, nil
}

func writeWoven(f *File, dest string) error {
	output, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer output.Close()
	if len(f.Sites) > 0 {
		if _, err := fmt.Fprintf(output, "//line %s:1\n", f.Path); err != nil {
			return err
		}
	}
	return writeFile(f.Dst, output)
}

func writeFile(file *dst.File, w io.Writer) error {
	fset, af, err := decorator.RestoreFile(file)
	if err != nil {
		return err
	}
	return printer.Fprint(w, fset, af)
}

func goStringToStmts(goString string) []dst.Stmt {
	data := fmt.Sprintf(`
package main
func main() {
%s
}`, goString)
	parsed, err := decorator.ParseFile(nil, "builder.go", data, parser.ParseComments)
	if err != nil {
		panic(fmt.Sprintf("parsing go failure: %v\n%s", err, goString))
	}

	return parsed.Decls[0].(*dst.FuncDecl).Body.List
}
