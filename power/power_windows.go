//go:build windows

package power

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	powrprof                  = windows.NewLazySystemDLL("powrprof.dll")
	procPowerSetActiveScheme  = powrprof.NewProc("PowerSetActiveScheme")
	procPowerEnumerate        = powrprof.NewProc("PowerEnumerate")
	procPowerReadFriendlyName = powrprof.NewProc("PowerReadFriendlyName")
)

const (
	accessScheme  = 16
	maxSchemeScan = 16
)

func platformApply(overrides map[Scheme]string) ApplyFunc {
	return func(s Scheme) error {
		guid, err := resolveGUID(s, overrides)
		if err != nil {
			return err
		}
		r, _, _ := procPowerSetActiveScheme.Call(0, uintptr(unsafe.Pointer(&guid)))
		if r != 0 {
			return fmt.Errorf("power: PowerSetActiveScheme(%s): %w", s.FriendlyName(), windows.Errno(r))
		}
		return nil
	}
}

func resolveGUID(s Scheme, overrides map[Scheme]string) (windows.GUID, error) {
	if raw, ok := overrides[s]; ok && raw != "" {
		guid, err := windows.GUIDFromString(raw)
		if err != nil {
			return windows.GUID{}, fmt.Errorf("power: invalid GUID %q for %s: %w", raw, s, err)
		}
		return guid, nil
	}
	if guid, ok := findByFriendlyName(s.FriendlyName()); ok {
		return guid, nil
	}
	fallback := BalancedGUID
	if s == UltimatePerformance {
		fallback = UltimatePerformanceGUID
	}
	return windows.GUIDFromString(fallback)
}

func findByFriendlyName(want string) (windows.GUID, bool) {
	if want == "" || procPowerEnumerate.Find() != nil {
		return windows.GUID{}, false
	}
	for i := uintptr(0); i < maxSchemeScan; i++ {
		var guid windows.GUID
		size := uint32(unsafe.Sizeof(guid))
		r, _, _ := procPowerEnumerate.Call(0, 0, 0, accessScheme, i,
			uintptr(unsafe.Pointer(&guid)), uintptr(unsafe.Pointer(&size)))
		if r != 0 {
			break
		}
		var name [256]uint16
		nameSize := uint32(len(name) * 2)
		r, _, _ = procPowerReadFriendlyName.Call(0, uintptr(unsafe.Pointer(&guid)), 0, 0,
			uintptr(unsafe.Pointer(&name[0])), uintptr(unsafe.Pointer(&nameSize)))
		if r != 0 {
			continue
		}
		if windows.UTF16ToString(name[:]) == want {
			return guid, true
		}
	}
	return windows.GUID{}, false
}
