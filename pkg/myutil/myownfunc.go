// Package myutil holds small helpers for the option maps the front end
// passes around.
package myutil

// Inmss reports whether option b was given, whatever its value.
func Inmss(a map[string]string, b string) bool {
	_, ok := a[b]
	return ok
}
