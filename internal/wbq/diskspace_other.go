//go:build !unix

package wbq

// availableMB has no portable implementation outside unix; callers treat
// ok == false as "disk pressure unknown, assume fine."
func availableMB(path string) (mb int64, ok bool) {
	return 0, false
}
