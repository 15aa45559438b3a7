//go:build !windows

package power

func platformApply(map[Scheme]string) ApplyFunc {
	return func(Scheme) error { return ErrUnsupported }
}
