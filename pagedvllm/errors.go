package pagedvllm

import "errors"

var (
	// ErrEmptyPrompt is returned for a request without prompt tokens.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrPromptTooLong is returned when a prompt does not fit MaxModelLen.
	ErrPromptTooLong = errors.New("prompt exceeds max model length")
	// ErrInsufficientBlocks is returned by block operations that need more
	// free blocks than the target tier holds. State is left untouched.
	ErrInsufficientBlocks = errors.New("insufficient free blocks")
	// ErrNotResident is returned when a batch names a block that is not on
	// the fast tier.
	ErrNotResident = errors.New("block is not resident on the fast tier")
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrCapacityExceeded aborts a group that needs more blocks than the
	// fast tier has in total.
	ErrCapacityExceeded = errors.New("request exceeds KV cache capacity")
)
