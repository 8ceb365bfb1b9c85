package srcweave

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pkgPath = "example.com/demo"

const engineSource = `package demo

import "strings"

type Engine struct {
	hits int
}

// Handle counts a request.
func (e *Engine) Handle(path string, _ int) (int, error) {
	e.hits++
	return len(strings.TrimSpace(path)), nil
}

func (Engine) Name() string {
	return "engine"
}

func Sum(a, b int, rest ...int) int {
	for _, r := range rest {
		a += r
	}
	return a + b
}

func helper() {}
`

const otherSource = `package demo

func Sum2(m map[string][]*Engine, ch <-chan struct{}) {}
`

func points() []*InstrumentPoint {
	return []*InstrumentPoint{
		{Package: pkgPath, File: "engine.go", Receiver: "*Engine", Func: "Handle", Interceptor: "demo.handle", Scope: "demo", Policy: scope.Boundary},
		{Package: pkgPath, Receiver: "Engine", Func: "Name", Interceptor: "demo.name", Policy: scope.Always},
		{Package: pkgPath, Func: "Sum", Interceptor: "demo.sum", Policy: scope.Internal},
		{Package: pkgPath, Func: "Sum2", Interceptor: "demo.sum"},
		{Package: "example.com/other", Func: "helper", Interceptor: "demo.sum"},
	}
}

func sourceDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.go"), []byte(engineSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.go"), []byte(otherSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine_test.go"), []byte("package demo\n"), 0o644))
	return dir
}

func read(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = parser.ParseFile(token.NewFileSet(), path, data, parser.ParseComments)
	require.NoError(t, err, "woven output must parse")
	return string(data)
}

func TestWeaveFile(t *testing.T) {
	w := New(points())
	f, err := w.WeaveFile(pkgPath, "engine.go", []byte(engineSource))
	require.NoError(t, err)
	require.Len(t, f.Sites, 3)

	assert.Equal(t, Site{
		Var:         "_sw_site_example_com_demo_Engine_Handle",
		ClassName:   "example.com/demo.Engine",
		MethodName:  "Handle",
		Params:      "(string, int)",
		Interceptor: "demo.handle",
		Scope:       "demo",
		Policy:      scope.Boundary,
	}, f.Sites[0])
	assert.Equal(t, "_sw_site_example_com_demo_Engine_Name", f.Sites[1].Var)
	assert.Equal(t, "example.com/demo", f.Sites[2].ClassName)
	assert.Equal(t, "(int, int, ...int)", f.Sites[2].Params)
}

func TestWeaveFileWithoutMatch(t *testing.T) {
	w := New(points())
	f, err := w.WeaveFile("example.com/unrelated", "engine.go", []byte(engineSource))
	require.NoError(t, err)
	assert.Empty(t, f.Sites)

	_, err = w.WeaveFile(pkgPath, "broken.go", []byte("package demo\nfunc {"))
	assert.Error(t, err)
}

func TestWeaveDir(t *testing.T) {
	src := sourceDir(t)
	out := filepath.Join(t.TempDir(), "woven")

	res, err := New(points()).WeaveDir(pkgPath, src, out)
	require.NoError(t, err)
	assert.Equal(t, "demo", res.Package)
	assert.Len(t, res.Sites, 4)
	assert.ElementsMatch(t, []string{filepath.Join(out, "engine.go"), filepath.Join(out, "other.go")}, res.Woven)
	assert.ElementsMatch(t, []string{filepath.Join(out, "engine.go"), filepath.Join(out, "other.go"), filepath.Join(out, SitesFile)}, res.Files)
	assert.NoFileExists(t, filepath.Join(out, "engine_test.go"))

	engine := read(t, filepath.Join(out, "engine.go"))
	assert.Contains(t, engine, "//line "+filepath.Join(src, "engine.go")+":1\n")
	assert.Contains(t, engine, "func (e *Engine) Handle(path string, _sw_param_1 int) (_sw_result_0 int, _sw_result_1 error)")
	assert.Contains(t, engine, "_sw_frame := _sw_site_example_com_demo_Engine_Handle.Enter(e, path, _sw_param_1)")
	assert.Contains(t, engine, "_sw_frame.Exit(recover(), _sw_result_0, _sw_result_1)")
	assert.Contains(t, engine, "/*line "+filepath.Join(src, "engine.go")+":11:2*/")
	assert.Contains(t, engine, "func (_sw_recv_0 Engine) Name() (_sw_result_0 string)")
	assert.Contains(t, engine, ".Enter(_sw_recv_0)")
	assert.Contains(t, engine, "_sw_site_example_com_demo_Sum.Enter(nil, a, b, rest)")
	assert.Contains(t, engine, "func helper()")
	assert.NotContains(t, engine, "example_com_other")
	assert.Contains(t, engine, "// Handle counts a request.")

	sites := read(t, filepath.Join(out, SitesFile))
	assert.Contains(t, sites, "package demo")
	assert.Contains(t, sites, `_sw_callsite "github.com/mrproliu/go-agent-weaver/frameworks/core/callsite"`)
	assert.Contains(t, sites, `"example.com/demo.Engine"`)
	assert.Contains(t, sites, `"(map[string][]*Engine, <-chan struct{})"`)
	assert.Contains(t, sites, "_sw_scope.Internal)")
	assert.Contains(t, sites, "_sw_scope.Boundary)")
}

func TestWeaveDirWithoutGoFiles(t *testing.T) {
	_, err := New(points()).WeaveDir(pkgPath, t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoPackage)
}

func TestPointsFromConfig(t *testing.T) {
	ps, err := PointsFromConfig([]config.Point{{Package: pkgPath, Receiver: " *Engine ", Func: "Handle", Interceptor: "x", Policy: "always"}})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "*Engine", ps[0].Receiver)
	assert.Equal(t, scope.Always, ps[0].Policy)

	_, err = PointsFromConfig([]config.Point{{Package: pkgPath, Func: "f", Interceptor: "x", Policy: "bad"}})
	assert.ErrorIs(t, err, scope.ErrUnknownPolicy)
}

func TestWeaveFileReadsPathWithoutSource(t *testing.T) {
	dir := sourceDir(t)
	f, err := New(points()).WeaveFile(pkgPath, filepath.Join(dir, "engine.go"), nil)
	require.NoError(t, err)
	assert.Equal(t, "demo", f.Dst.Name.Name)
	assert.Len(t, f.Sites, 3)
}

const initSource = `package demo

var order []string

func init() { order = append(order, "a") }

func init() { order = append(order, "b") }
`

func TestInitFuncsGetDistinctSites(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.go"), []byte(initSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.go"), []byte("package demo\n\nfunc init() {}\n"), 0o644))
	out := t.TempDir()

	w := New([]*InstrumentPoint{{Package: pkgPath, Func: "init", Interceptor: "demo.init"}})
	res, err := w.WeaveDir(pkgPath, src, out)
	require.NoError(t, err)
	require.Len(t, res.Sites, 3)

	vars := make(map[string]bool)
	for _, s := range res.Sites {
		vars[s.Var] = true
	}
	assert.Equal(t, map[string]bool{
		"_sw_site_example_com_demo_init":   true,
		"_sw_site_example_com_demo_init_1": true,
		"_sw_site_example_com_demo_init_2": true,
	}, vars)
	assert.Contains(t, read(t, filepath.Join(out, "a.go")), "_sw_site_example_com_demo_init_1.Enter(nil)")
	assert.Contains(t, read(t, filepath.Join(out, "b.go")), "_sw_site_example_com_demo_init_2.Enter(nil)")
	read(t, filepath.Join(out, SitesFile))
}

func TestWeaveCompile(t *testing.T) {
	src := sourceDir(t)
	build := t.TempDir()
	w := New(points())
	assert.True(t, w.Instruments(pkgPath))
	assert.False(t, w.Instruments("example.com/unrelated"))

	engine := filepath.Join(src, "engine.go")
	other := filepath.Join(src, "other.go")
	res, err := w.WeaveCompile(pkgPath, []string{engine, other}, build)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		engine: filepath.Join(build, "engine.go"),
		other:  filepath.Join(build, "other.go"),
	}, res.Replaced)
	assert.Len(t, res.Sites, 4)

	sites := read(t, filepath.Join(build, SitesFile))
	assert.Contains(t, sites, `import _ "unsafe"`)
	assert.Contains(t, sites, "//go:linkname _sw_linked "+linkedSymbol)
	assert.NotContains(t, sites, "go-agent-weaver/frameworks/core/callsite\"")
	assert.Contains(t, sites, `= &_sw_site{"example.com/demo", "Sum", "(int, int, ...int)", "demo.sum", "", 2}`)
	assert.Contains(t, sites, `= &_sw_site{"example.com/demo.Engine", "Handle", "(string, int)", "demo.handle", "demo", 1}`)
	assert.Contains(t, read(t, filepath.Join(build, "engine.go")), "//line "+engine+":1\n")
}

func TestWeaveCompileWritesOnlyWovenFiles(t *testing.T) {
	src := sourceDir(t)
	build := t.TempDir()
	res, err := New(points()).WeaveCompile("example.com/unrelated", []string{filepath.Join(src, "engine.go")}, build)
	require.NoError(t, err)
	assert.Empty(t, res.Replaced)
	assert.Empty(t, res.Files)
	assert.NoFileExists(t, filepath.Join(build, "engine.go"))
	assert.NoFileExists(t, filepath.Join(build, SitesFile))
}
