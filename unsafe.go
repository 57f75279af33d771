package pagedb

import (
	"fmt"
	"reflect"
	"unsafe"
)

// _assert panics with a formatted message if the given condition is false.
// Used the same way the teacher's codebase uses it: for invariants that
// indicate a bug in this package, never for user input validation.
func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func unsafeIndex(base unsafe.Pointer, offset uintptr, elemsz uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemsz)
}

func unsafeByteSlice(base unsafe.Pointer, offset uintptr, i, j int) []byte {
	// See: https://github.com/golang/go/wiki/cgo#turning-c-arrays-into-go-slices
	return (*[maxAllocSize]byte)(unsafeAdd(base, offset))[i:j:j]
}

func unsafeSlice(dst unsafe.Pointer, src unsafe.Pointer, n int) {
	sh := (*reflect.SliceHeader)(dst)
	sh.Data = uintptr(src)
	sh.Len = n
	sh.Cap = n
}

// maxAllocSize bounds the byte slice conversions above; it mirrors the
// teacher's own ceiling for the largest single contiguous allocation it
// will ever hand back from page memory.
const maxAllocSize = 0x7FFFFFFF

// unsafePointerOf returns a pointer to the first byte of b. Used to
// overlay a *page header onto a stand-alone byte slice (e.g. a page
// read back out of a journal snapshot) the same way pages overlay mmap
// memory.
func unsafePointerOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
