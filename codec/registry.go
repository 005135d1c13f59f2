package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	registryMu sync.RWMutex
	libraries  = make(map[string]Library)
)

// preferredLibraries is the lookup order of Default.
var preferredLibraries = []string{"ffmpeg", "soft"}

// Register makes a library available by name. Registering the same name
// twice replaces the earlier library.
func Register(lib Library) {
	if lib == nil {
		panic("codec: Register library is nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := libraries[lib.Name()]; dup {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"library":  lib.Name(),
		}).Warn("Replacing registered codec library")
	}
	libraries[lib.Name()] = lib
}

// Lookup returns the library registered under name.
func Lookup(name string) (Library, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	lib, ok := libraries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLibrary, name)
	}
	return lib, nil
}

// Resolve returns the named library, or Default when name is empty.
func Resolve(name string) (Library, error) {
	if name == "" {
		return Default()
	}
	return Lookup(name)
}

// Default returns FFmpeg when it is compiled in, otherwise the built-in
// software library.
func Default() (Library, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range preferredLibraries {
		if lib, ok := libraries[name]; ok {
			return lib, nil
		}
	}
	return nil, fmt.Errorf("%w: no codec library registered", ErrUnknownLibrary)
}

// Libraries returns the sorted names of all registered libraries.
func Libraries() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(libraries))
	for name := range libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
