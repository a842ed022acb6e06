//go:build cupti

package cupti

// #include <cupti.h>
import "C"

import "codeberg.org/mutker/openvprof/internal/errors"

const ErrCUPTI = errors.ErrorCode("cupti_call_failed")

type cuptiError C.CUptiResult

func (e cuptiError) Error() string {
	var msg *C.char
	if C.cuptiGetResultString(C.CUptiResult(e), &msg) != C.CUPTI_SUCCESS || msg == nil {
		return "unknown CUPTI error"
	}
	return C.GoString(msg)
}

func check(res C.CUptiResult) error {
	if res == C.CUPTI_SUCCESS {
		return nil
	}
	return errors.New().Wrap(ErrCUPTI, cuptiError(res))
}
