// Package onnx runs nn models with ONNX Runtime
package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The ONNX Runtime environment is process-wide, but we can have several models loaded
var envLock sync.Mutex
var envRefs int

// sharedLibrary is the path to onnxruntime.so. Empty means the platform default.
func acquireEnv(sharedLibrary string) error {
	envLock.Lock()
	defer envLock.Unlock()
	if envRefs == 0 {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("Failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envLock.Lock()
	defer envLock.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}
