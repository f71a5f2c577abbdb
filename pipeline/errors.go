package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidImage      = errors.New("invalid image")
	ErrSizeOutOfBounds   = errors.New("image size out of bounds")
	ErrResourceExhausted = errors.New("image too large")
	ErrBusy              = errors.New("server busy")
	ErrInternal          = errors.New("processing failed")
)

// SizeError 尺寸越界，Bound 说明违反的是哪一条限制
type SizeError struct {
	Width, Height int
	Bound         string
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: %dx%d, %s", ErrSizeOutOfBounds, e.Width, e.Height, e.Bound)
}

func (e *SizeError) Is(target error) bool {
	return target == ErrSizeOutOfBounds
}

// CheckBounds 较长边不超过 MaxSide，较短边不小于 MinSide
func CheckBounds(w, h int) error {
	longer, shorter := max(w, h), min(w, h)
	if longer > MaxSide {
		return &SizeError{Width: w, Height: h, Bound: fmt.Sprintf("longer side exceeds %d", MaxSide)}
	}
	if shorter < MinSide {
		return &SizeError{Width: w, Height: h, Bound: fmt.Sprintf("shorter side below %d", MinSide)}
	}
	return nil
}
