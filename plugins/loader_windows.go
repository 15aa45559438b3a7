//go:build windows

package plugins

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// DefaultExtension is the DLL suffix plugins are discovered by.
const DefaultExtension = ".dll"

// dllLibrary adapts a C-ABI DLL. Strings cross the boundary as NUL-terminated
// UTF-8 and booleans as int.
type dllLibrary struct {
	dll *windows.DLL
}

// OpenLibrary loads the DLL at path.
func OpenLibrary(path string) (Library, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, fmt.Errorf("plugins: load %s: %w", path, err)
	}
	return &dllLibrary{dll: dll}, nil
}

func (l *dllLibrary) Lookup(symbol string) (any, bool) {
	proc, err := l.dll.FindProc(symbol)
	if err != nil {
		return nil, false
	}
	switch symbol {
	case SymbolInit:
		return func(dataDir string, debug bool) bool {
			dir, err := windows.BytePtrFromString(dataDir)
			if err != nil {
				return false
			}
			var flag uintptr
			if debug {
				flag = 1
			}
			r, _, _ := proc.Call(uintptr(unsafe.Pointer(dir)), flag)
			return byte(r) != 0
		}, true
	case SymbolCollectValues:
		return func(profile string) string {
			p, err := windows.BytePtrFromString(profile)
			if err != nil {
				return ""
			}
			r, _, _ := proc.Call(uintptr(unsafe.Pointer(p)))
			if r == 0 {
				return ""
			}
			// The plugin owns the returned buffer until its next call.
			return windows.BytePtrToString((*byte)(unsafe.Pointer(r)))
		}, true
	case SymbolShutdown:
		return func() {
			_, _, _ = proc.Call()
		}, true
	case SymbolExecuteCommand:
		return func(command string) bool {
			c, err := windows.BytePtrFromString(command)
			if err != nil {
				return false
			}
			r, _, _ := proc.Call(uintptr(unsafe.Pointer(c)))
			return byte(r) != 0
		}, true
	case SymbolABIVersion:
		return func() int {
			r, _, _ := proc.Call()
			return int(int32(r))
		}, true
	case SymbolOnProfileChanged:
		return func(profile string) {
			p, err := windows.BytePtrFromString(profile)
			if err != nil {
				return
			}
			_, _, _ = proc.Call(uintptr(unsafe.Pointer(p)))
		}, true
	}
	return nil, false
}

func (l *dllLibrary) Close() error {
	return l.dll.Release()
}
