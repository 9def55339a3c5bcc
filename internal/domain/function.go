package domain

import "errors"

// FunctionSpec describes a serverless function created from a container image.
type FunctionSpec struct {
	Name           string
	ImageURI       string
	RoleARN        string
	MemoryMB       int32
	TimeoutSeconds int32
	Tags           map[string]string
	Env            map[string]string
}

// Errors returned by function platform adapters.
var (
	// ErrFunctionNotReady means resources the function depends on (such as its
	// execution role) are not usable yet. Creating it again later may succeed.
	ErrFunctionNotReady = errors.New("function resources not ready")
	// ErrFunctionExists means a function with the same name already exists.
	ErrFunctionExists = errors.New("function already exists")
	// ErrActivationPending means the function did not become active within
	// one wait window.
	ErrActivationPending = errors.New("function not active yet")
)
