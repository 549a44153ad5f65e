package collab

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and recovers from a panic, logging the error with
// its stack. Optional handlers are invoked with the recovered error. Used to
// isolate consumer callbacks from the sync internals, so one misbehaving
// subscriber cannot take down the session.
func HandleError(do func(), handlers ...func(error)) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("[cb]unexpected error: %s\n", errorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
	return
}

func errorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	out, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(out)
}

// Trace logs the wall time of `do` under the tag
func Trace(tag string, do func()) {
	start := time.Now()
	do()
	millis := float32(time.Since(start)) / float32(time.Millisecond)
	glog.V(2).Infof("[%s] %.2fms\n", tag, millis)
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	Trace(tag, func() {
		result, returnErr = do()
	})
	return
}
