package build

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed scaffold/Dockerfile.tmpl scaffold/app.py scaffold/env
var scaffold embed.FS

var dockerfileTmpl = template.Must(template.ParseFS(scaffold, "scaffold/Dockerfile.tmpl"))

// Workspace is the job-scoped working directory of one build.
//
//	<root>/log.txt
//	<root>/context/Dockerfile
//	<root>/context/app/{inference.ipynb,inference.py,app.py,.env}
type Workspace struct {
	Root string
}

// NewWorkspace returns the workspace for buildID under workDir.
func NewWorkspace(workDir, buildID string) Workspace {
	return Workspace{Root: filepath.Join(workDir, buildID)}
}

// ContextDir is the image build context.
func (w Workspace) ContextDir() string { return filepath.Join(w.Root, "context") }

// AppDir holds the function sources copied into the image.
func (w Workspace) AppDir() string { return filepath.Join(w.ContextDir(), "app") }

// LogPath is the accumulated build log.
func (w Workspace) LogPath() string { return filepath.Join(w.Root, "log.txt") }

// ScriptPath is the converted script.
func (w Workspace) ScriptPath() string { return filepath.Join(w.AppDir(), "inference.py") }

// Reset removes anything left by an earlier run and recreates the layout.
func (w Workspace) Reset() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("clear workspace %s: %w", w.Root, err)
	}
	if err := os.MkdirAll(w.AppDir(), 0o750); err != nil {
		return fmt.Errorf("create workspace %s: %w", w.Root, err)
	}
	return nil
}

// OpenLog opens the build log for appending.
func (w Workspace) OpenLog() (*os.File, error) {
	return os.OpenFile(w.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

// WriteScaffold writes the notebook, its converted script and the function
// scaffold into the build context.
func (w Workspace) WriteScaffold(notebook []byte, script, baseImage string) error {
	files := map[string][]byte{
		filepath.Join(w.AppDir(), "inference.ipynb"): notebook,
		w.ScriptPath(): []byte(script),
	}
	for src, dst := range map[string]string{"scaffold/app.py": "app.py", "scaffold/env": ".env"} {
		data, err := scaffold.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read scaffold %s: %w", src, err)
		}
		files[filepath.Join(w.AppDir(), dst)] = data
	}
	for path, data := range files {
		if err := os.WriteFile(path, data, 0o640); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	f, err := os.Create(filepath.Join(w.ContextDir(), "Dockerfile"))
	if err != nil {
		return fmt.Errorf("create Dockerfile: %w", err)
	}
	defer f.Close()
	if err := dockerfileTmpl.Execute(f, struct{ BaseImage string }{baseImage}); err != nil {
		return fmt.Errorf("render Dockerfile: %w", err)
	}
	return f.Close()
}
