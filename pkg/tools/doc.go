// Package tools provides the in-process tool implementations: the built-in
// file, HTTP, and shell tools, and the subprocess runner backing
// bundle-declared script tools.
package tools
