//go:build sqlite_vec && cgo

package patterns

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// nativeVec is true when sqlite-vec is linked into the mattn/go-sqlite3 driver.
const nativeVec = true

func init() {
	vec.Auto()
}
