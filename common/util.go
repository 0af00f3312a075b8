package common

import "os"

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Assert panics with msg when cond does not hold. It guards invariants whose
// violation indicates a bug rather than a recoverable failure.
func Assert(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

// Remove deletes the file at path ignoring any error.
func Remove(path string) {
	_ = os.Remove(path)
}
