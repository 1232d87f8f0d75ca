package build

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/cruciblehq/stratum/internal/manifest"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

func TestParseCopy(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		workdir string
		srcs    []string
		dest    string
		destDir bool
		wantErr bool
	}{
		{
			name: "absolute dest",
			args: []string{"file.txt", "/opt/file.txt"},
			srcs: []string{"file.txt"},
			dest: "/opt/file.txt",
		},
		{
			name:    "relative dest with workdir",
			args:    []string{"file.txt", "out/"},
			workdir: "/app",
			srcs:    []string{"file.txt"},
			dest:    "/app/out",
			destDir: true,
		},
		{
			name:    "dot dest",
			args:    []string{"requirements.txt", "."},
			workdir: "/app",
			srcs:    []string{"requirements.txt"},
			dest:    "/app",
			destDir: true,
		},
		{
			name:    "relative dest without workdir",
			args:    []string{"file.txt", "out/"},
			wantErr: true,
		},
		{
			name:    "missing destination",
			args:    []string{"file.txt"},
			wantErr: true,
		},
		{
			name:    "several sources into a file",
			args:    []string{"a", "b", "/opt/c"},
			wantErr: true,
		},
		{
			name:    "several sources into a directory",
			args:    []string{"a", "b", "/opt/"},
			srcs:    []string{"a", "b"},
			dest:    "/opt",
			destDir: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srcs, dest, destDir, err := parseCopy(tt.args, tt.workdir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(srcs, tt.srcs) {
				t.Errorf("srcs = %v, want %v", srcs, tt.srcs)
			}
			if dest != tt.dest {
				t.Errorf("dest = %q, want %q", dest, tt.dest)
			}
			if destDir != tt.destDir {
				t.Errorf("destDir = %v, want %v", destDir, tt.destDir)
			}
		})
	}
}

// Creates files below dir from a name to content map.
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func entryNames(entries []tarEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	slices.Sort(names)
	return names
}

func newTestIgnore(t *testing.T, dir string) *ignoreMatcher {
	t.Helper()
	m, err := loadIgnore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPlanCopyDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"app/main.py":              "print('hi')\n",
		"app/__pycache__/main.pyc": "x",
		"app/util.pyc":             "x",
		"requirements.txt":         "flask==3.0.0\n",
		".git/HEAD":                "ref: refs/heads/main\n",
		"README.md":                "readme\n",
	})

	state := newStepState(v1.Config{WorkingDir: "/srv"})
	inst := manifest.Instruction{Op: manifest.Copy, Args: []string{".", "."}}

	plan, err := planCopy(inst, state, dir, newTestIgnore(t, dir))
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"srv", "srv", "srv/README.md", "srv/app", "srv/app/main.py", "srv/requirements.txt"}
	if got := entryNames(plan.entries); !slices.Equal(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}
	if len(plan.dependencies) != 0 {
		t.Errorf("directory copy should not mark dependencies, got %v", plan.dependencies)
	}
}

func TestPlanCopyDependencyManifest(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"requirements.txt": "flask==3.0.0\n",
		"poetry.lock":      "",
		"main.py":          "",
	})

	state := newStepState(v1.Config{WorkingDir: "/app"})
	ignore := newTestIgnore(t, dir)

	inst := manifest.Instruction{Op: manifest.Copy, Args: []string{"requirements.txt", "poetry.lock", "./"}}
	plan, err := planCopy(inst, state, dir, ignore)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.dependencies) != 2 {
		t.Fatalf("dependencies = %v, want 2 entries", plan.dependencies)
	}

	inst = manifest.Instruction{Op: manifest.Copy, Args: []string{"main.py", "."}}
	plan, err = planCopy(inst, state, dir, ignore)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.dependencies) != 0 {
		t.Errorf("dependencies = %v, want none", plan.dependencies)
	}
}

func TestPlanCopyDependencyLayouts(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"requirements-prod.txt": "flask==3.0.0\n",
		"requirements/base.txt": "flask==3.0.0\n",
		"requirements/prod.txt": "-r base.txt\ngunicorn==22.0.0\n",
		"config/settings.txt":   "debug=false\n",
		"deps/pyproject.toml":   "",
		"deps/README.md":        "",
		"requirements-notes.md": "",
	})
	state := newStepState(v1.Config{WorkingDir: "/app"})
	ignore := newTestIgnore(t, dir)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"suffixed requirements file", []string{"requirements-prod.txt", "."}, 1},
		{"requirements directory", []string{"requirements/", "./requirements/"}, 2},
		{"text file elsewhere", []string{"config/settings.txt", "."}, 0},
		{"directory with other files", []string{"deps", "./deps/"}, 0},
		{"not a text file", []string{"requirements-notes.md", "."}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := manifest.Instruction{Op: manifest.Copy, Args: tt.args}
			plan, err := planCopy(inst, state, dir, ignore)
			if err != nil {
				t.Fatal(err)
			}
			if len(plan.dependencies) != tt.want {
				t.Errorf("dependencies = %v, want %d", plan.dependencies, tt.want)
			}
		})
	}
}

func TestIsInstallCommand(t *testing.T) {
	manifests := []string{"/ctx/requirements/prod.txt"}

	tests := []struct {
		argv []string
		want bool
	}{
		{[]string{"/bin/sh", "-c", "pip install --no-cache-dir -r requirements/prod.txt"}, true},
		{[]string{"/usr/local/bin/pip3", "install", "flask"}, true},
		{[]string{"/bin/sh", "-c", "apt-get update && apt-get install -y gcc"}, false},
		{[]string{"/bin/sh", "-c", "./install.sh prod.txt"}, true},
		{[]string{"/bin/sh", "-c", "python manage.py collectstatic"}, false},
	}
	for _, tt := range tests {
		if got := isInstallCommand(tt.argv, manifests); got != tt.want {
			t.Errorf("isInstallCommand(%q) = %v, want %v", tt.argv, got, tt.want)
		}
	}
}

func TestPlanCopyOwnershipAndMode(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"run.sh": "#!/bin/sh\n"})

	state := newStepState(v1.Config{})
	inst := manifest.Instruction{
		Op:    manifest.Copy,
		Args:  []string{"run.sh", "/usr/local/bin/run"},
		Flags: []string{"--chown=1000:2000", "--chmod=755"},
	}

	plan, err := planCopy(inst, state, dir, newTestIgnore(t, dir))
	if err != nil {
		t.Fatal(err)
	}

	var file *tarEntry
	for i := range plan.entries {
		if plan.entries[i].name == "usr/local/bin/run" {
			file = &plan.entries[i]
		}
	}
	if file == nil {
		t.Fatalf("missing file entry in %v", entryNames(plan.entries))
	}
	if file.uid != 1000 || file.gid != 2000 {
		t.Errorf("owner = %d:%d, want 1000:2000", file.uid, file.gid)
	}
	if file.mode.Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", file.mode.Perm())
	}

	for _, e := range plan.entries {
		if e.hostPath == "" && (e.uid != 0 || e.mode.Perm() != 0755 || !e.mode.IsDir()) {
			t.Errorf("parent %s = %v %d, want root-owned 0755 directory", e.name, e.mode, e.uid)
		}
	}
}

func TestPlanCopyErrors(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":   "",
		"cache.pyc": "",
	})
	state := newStepState(v1.Config{WorkingDir: "/app"})
	ignore := newTestIgnore(t, dir)

	tests := []struct {
		name string
		inst manifest.Instruction
		want error
	}{
		{
			name: "outside context",
			inst: manifest.Instruction{Op: manifest.Copy, Args: []string{"../etc/passwd", "."}},
			want: ErrCopy,
		},
		{
			name: "missing source",
			inst: manifest.Instruction{Op: manifest.Copy, Args: []string{"nope.py", "."}},
			want: ErrCopy,
		},
		{
			name: "glob without match",
			inst: manifest.Instruction{Op: manifest.Copy, Args: []string{"*.txt", "."}},
			want: ErrCopy,
		},
		{
			name: "ignored file named directly",
			inst: manifest.Instruction{Op: manifest.Copy, Args: []string{"cache.pyc", "."}},
			want: ErrCopy,
		},
		{
			name: "named owner",
			inst: manifest.Instruction{Op: manifest.Copy, Args: []string{"main.py", "."}, Flags: []string{"--chown=app"}},
			want: ErrInvalidInstruction,
		},
		{
			name: "bad mode",
			inst: manifest.Instruction{Op: manifest.Copy, Args: []string{"main.py", "."}, Flags: []string{"--chmod=999"}},
			want: ErrInvalidInstruction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := planCopy(tt.inst, state, dir, ignore)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlanCopyInputsTrackContent(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"main.py": "v1"})
	state := newStepState(v1.Config{WorkingDir: "/app"})
	inst := manifest.Instruction{Op: manifest.Copy, Args: []string{"main.py", "."}}

	inputs := func() []string {
		plan, err := planCopy(inst, state, dir, newTestIgnore(t, dir))
		if err != nil {
			t.Fatal(err)
		}
		in, err := plan.inputs()
		if err != nil {
			t.Fatal(err)
		}
		return in
	}

	first := inputs()
	if again := inputs(); !slices.Equal(first, again) {
		t.Error("inputs changed without a content change")
	}

	writeTree(t, dir, map[string]string{"main.py": "v2"})
	if changed := inputs(); slices.Equal(first, changed) {
		t.Error("inputs did not change with content")
	}

	if err := os.Chmod(filepath.Join(dir, "main.py"), fs.FileMode(0600)); err != nil {
		t.Fatal(err)
	}
	if changed := inputs(); slices.Equal(first, changed) {
		t.Error("inputs did not change with mode")
	}
}
