//go:build !(sqlite_vec && cgo)

package patterns

const nativeVec = false
