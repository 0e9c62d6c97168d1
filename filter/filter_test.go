package filter

import "testing"

func TestFilter_ShouldSync_EmptyPathAlwaysFalse(t *testing.T) {
	f := Default()
	if f.ShouldSync("") || f.ShouldSync("   ") {
		t.Fatal("expected empty/whitespace path to never sync")
	}
}

func TestFilter_ShouldSync_NoIncludesNoExcludesAllows(t *testing.T) {
	f := New(nil, nil)
	if !f.ShouldSync("anything/goes.txt") {
		t.Fatal("expected path to sync when no patterns configured")
	}
}

func TestFilter_ShouldSync_IncludeRestrictsToMatches(t *testing.T) {
	f := New([]string{"**/*.go"}, nil)
	if !f.ShouldSync("pkg/sub/file.go") {
		t.Fatal("expected .go file to match **/*.go")
	}
	if f.ShouldSync("pkg/sub/file.txt") {
		t.Fatal("expected non-matching file to be excluded when includes are set")
	}
}

func TestFilter_ShouldSync_ExcludeWinsOverInclude(t *testing.T) {
	f := New([]string{"**/*.go"}, []string{"**/vendor/**"})
	if f.ShouldSync("vendor/pkg/file.go") {
		t.Fatal("expected exclude to win over a matching include")
	}
}

func TestFilter_ShouldSync_DefaultPatternsExcludeGitAnyDepth(t *testing.T) {
	f := Default()
	cases := []string{".git/HEAD", "nested/.git/config", "node_modules/pkg/index.js", ".DS_Store", "a/.DS_Store"}
	for _, c := range cases {
		if f.ShouldSync(c) {
			t.Fatalf("expected %q to be excluded by default patterns", c)
		}
	}
}

func TestFilter_ShouldSync_CaseInsensitive(t *testing.T) {
	f := New(nil, []string{"*.TMP"})
	if f.ShouldSync("file.tmp") {
		t.Fatal("expected case-insensitive exclude match")
	}
}

func TestFilter_ShouldSync_BackslashNormalized(t *testing.T) {
	f := New(nil, []string{"dir/*.log"})
	if f.ShouldSync(`dir\app.log`) {
		t.Fatal("expected backslash path to be normalized before matching")
	}
}

func TestFilter_ShouldSync_IsPure(t *testing.T) {
	f := New([]string{"**/*.md"}, []string{"**/drafts/**"})
	first := f.ShouldSync("docs/readme.md")
	second := f.ShouldSync("docs/readme.md")
	if first != second {
		t.Fatal("expected ShouldSync to be pure/deterministic for the same input")
	}
}

func TestFilter_WithExtra_AppliesOnlyToCopy(t *testing.T) {
	base := Default()
	extended := base.WithExtra([]string{"**/*.secret"})

	if base.ShouldSync("keys.secret") == false {
		t.Fatal("base filter should be unaffected by WithExtra")
	}
	if extended.ShouldSync("keys.secret") {
		t.Fatal("extended filter should exclude the extra pattern")
	}
}

func TestFilter_DirectoryPatternMatchesDescendants(t *testing.T) {
	f := New(nil, []string{"logs/"})
	if f.ShouldSync("logs/today/app.log") {
		t.Fatal("expected trailing-slash directory pattern to match descendants")
	}
}
