package engine

import (
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/turtacn/Cohort/pkg/errors"
)

// Assets is the preloaded application: every file under the document root,
// keyed by URL path.
type Assets struct {
	Root  string            `json:"root"`
	Files map[string][]byte `json:"files"`
}

// LoadAssets reads root into memory. An empty root yields an empty
// application.
func LoadAssets(root string) (*Assets, error) {
	a := &Assets{Root: root, Files: make(map[string][]byte)}
	if root == "" {
		return a, nil
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		a.Files["/"+filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeEngineFailed, "LoadAssets", root, err)
	}
	return a, nil
}

// Lookup resolves a request path, mapping directories to index.html.
func (a *Assets) Lookup(p string) ([]byte, string, bool) {
	p = path.Clean("/" + p)
	if data, ok := a.Files[p]; ok {
		return data, p, true
	}
	index := path.Join(p, "index.html")
	data, ok := a.Files[index]
	return data, index, ok
}

func (a *Assets) Snapshot() ([]byte, error) {
	return json.Marshal(a)
}

// AssetsFromSnapshot restores an application produced by Snapshot.
func AssetsFromSnapshot(b []byte) (*Assets, error) {
	var a Assets
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, errors.New(errors.ErrCodeHandoffFailed, "AssetsFromSnapshot", "bad snapshot", err)
	}
	if a.Files == nil {
		a.Files = make(map[string][]byte)
	}
	return &a, nil
}

// Personal.AI order the ending
