package codemap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func TestAnalyzeFileCycle(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"a.py": "import b\n\ndef fa():\n    b.fb()\n",
		"b.py": "import a\n\ndef fb():\n    a.fa()\n",
	})
	a := NewAnalyzer(root, nil)

	tree, err := a.AnalyzeFile("a.py")
	require.NoError(t, err)
	assert.Equal(t, "a.py", tree.Name)
	assert.Equal(t, "file", tree.NodeType)
	assert.False(t, tree.IsCyclic)

	require.Len(t, tree.Children, 1)
	b := tree.Children[0]
	assert.Equal(t, "b.py", b.FullPath)
	assert.False(t, b.IsCyclic)

	require.Len(t, b.Children, 1)
	back := b.Children[0]
	assert.Equal(t, "a.py", back.FullPath)
	assert.True(t, back.IsCyclic, "cycle back to the root must be marked")
	assert.Empty(t, back.Children, "cyclic nodes are not expanded")
}

func TestAnalyzeFileListsFunctions(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"util.py": "def first():\n    pass\n\ndef second():\n    pass\n",
	})
	a := NewAnalyzer(root, nil)
	tree, err := a.AnalyzeFile("util.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, tree.Functions)
}

func TestAnalyzeFileUnknownPath(t *testing.T) {
	a := NewAnalyzer(writeWorkspace(t, map[string]string{"x.py": ""}), nil)
	_, err := a.AnalyzeFile("missing.py")
	require.Error(t, err)
}

func TestAnalyzeFunctionCrossFile(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"main.py": "import helpers\n\ndef run():\n    helpers.prepare()\n",
		"helpers.py": "def prepare():\n    finish()\n\ndef finish():\n    pass\n",
	})
	a := NewAnalyzer(root, nil)

	tree, err := a.AnalyzeFunction("main.py", "run")
	require.NoError(t, err)
	assert.Equal(t, "run", tree.Name)
	assert.Equal(t, "function", tree.NodeType)
	assert.Positive(t, tree.LineNumber)

	require.Len(t, tree.Children, 1)
	prepare := tree.Children[0]
	assert.Equal(t, "prepare", prepare.Name)
	assert.Equal(t, "helpers.py", prepare.FullPath)

	require.Len(t, prepare.Children, 1)
	assert.Equal(t, "finish", prepare.Children[0].Name)
}

func TestAnalyzeFunctionRecursionMarkedCyclic(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"rec.py": "def loop():\n    loop()\n",
	})
	a := NewAnalyzer(root, nil)
	tree, err := a.AnalyzeFunction("rec.py", "loop")
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.True(t, tree.Children[0].IsCyclic)
	assert.Empty(t, tree.Children[0].Children)
}

func TestAnalyzeFunctionAmbiguousCalleeBecomesLeaves(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"caller.py": "def entry():\n    setup()\n",
		"one.py":    "def setup():\n    helper_one()\n\ndef helper_one():\n    pass\n",
		"two.py":    "def setup():\n    pass\n",
	})
	a := NewAnalyzer(root, nil)
	tree, err := a.AnalyzeFunction("caller.py", "entry")
	require.NoError(t, err)

	require.Len(t, tree.Children, 2, "one leaf per definition site")
	for _, child := range tree.Children {
		assert.Equal(t, "setup", child.Name)
		assert.Empty(t, child.Children, "ambiguous callees are not expanded")
	}
	assert.Equal(t, "one.py", tree.Children[0].FullPath)
	assert.Equal(t, "two.py", tree.Children[1].FullPath)
}

func TestDepthCap(t *testing.T) {
	files := map[string]string{}
	// chain f0 -> f1 -> ... -> f14, each in its own file
	for i := 0; i < 15; i++ {
		body := "pass"
		imports := ""
		if i < 14 {
			imports = "import m" + string(rune('a'+i+1)) + "\n"
			body = "f" + itoa(i+1) + "()"
		}
		files["m"+string(rune('a'+i))+".py"] = imports + "def f" + itoa(i) + "():\n    " + body + "\n"
	}
	a := NewAnalyzer(writeWorkspace(t, files), nil)
	tree, err := a.AnalyzeFunction("ma.py", "f0")
	require.NoError(t, err)

	depth := 0
	for node := tree; len(node.Children) == 1; node = node.Children[0] {
		depth++
	}
	assert.LessOrEqual(t, depth, maxDepth)
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

func TestIgnoredDirectoriesAreSkipped(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"app.py":                "def main():\n    pass\n",
		"node_modules/dep.js":   "function hidden() {}",
		"__pycache__/cached.py": "def cached():\n    pass\n",
	})
	a := NewAnalyzer(root, nil)
	files, err := a.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py"}, files)
}

func TestInvalidateRescans(t *testing.T) {
	root := writeWorkspace(t, map[string]string{"a.py": "def f():\n    pass\n"})
	a := NewAnalyzer(root, nil)
	files, err := a.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.py"), []byte("def g():\n    pass\n"), 0o644))
	files, err = a.Files()
	require.NoError(t, err)
	assert.Len(t, files, 1, "index is cached until invalidated")

	a.Invalidate()
	files, err = a.Files()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestForReturnsSharedAnalyzer(t *testing.T) {
	root := t.TempDir()
	assert.Same(t, For(root, nil), For(root, nil))
}

func TestFileSummary(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"app.py":  "import lib\n\ndef main():\n    lib.go()\n",
		"lib.py":  "def go():\n    pass\n",
	})
	a := NewAnalyzer(root, nil)
	funcs, imports, err := a.FileSummary("app.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, funcs)
	assert.Equal(t, []string{"lib.py"}, imports)
}
