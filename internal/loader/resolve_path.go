package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath finds a shared object named dependency on behalf of an
// object that needs it, searching (in order) any RPATH/RUNPATH the caller
// already extracted, the loader's --library-path directories, and
// LD_LIBRARY_PATH, matching the standard ELF dependency search order
// restricted to the subset spec.md §1 keeps in scope (no ldconfig cache).
func (l *Loader) ResolvePath(dependency string, rpath []string) (string, error) {
	if strings.Contains(dependency, "/") {
		if fileExists(dependency) {
			return dependency, nil
		}
		return "", fmt.Errorf("loader: dependency path %q does not exist", dependency)
	}

	if l.isExcluded(dependency) {
		return "", fmt.Errorf("loader: dependency %q is excluded by configuration", dependency)
	}

	candidates := make([]string, 0, len(rpath)+len(l.opts.LibraryPath)+4)
	candidates = append(candidates, rpath...)
	candidates = append(candidates, l.opts.LibraryPath...)
	if envPath := os.Getenv("LD_LIBRARY_PATH"); envPath != "" {
		candidates = append(candidates, strings.Split(envPath, ":")...)
	}

	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, dependency)
		if fileExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("loader: could not resolve dependency %q in any search path", dependency)
}

func (l *Loader) isExcluded(dependency string) bool {
	for _, ex := range l.opts.Exclude {
		if ex == dependency {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
