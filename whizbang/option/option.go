package option

import "fmt"

// Option represents a value that may be absent. It replaces nil
// pointers and sentinel zero values on row types whose columns are
// nullable in the database.
type Option[T any] struct {
	value    T
	hasValue bool
}

// Some creates an Option holding the given value.
func Some[T any](value T) Option[T] {
	return Option[T]{value: value, hasValue: true}
}

// Nothing creates an empty Option.
func Nothing[T any]() Option[T] {
	return Option[T]{}
}

// FromPtr converts a nullable pointer into an Option. A nil pointer
// becomes Nothing.
func FromPtr[T any](ptr *T) Option[T] {
	if ptr == nil {
		return Nothing[T]()
	}
	return Some(*ptr)
}

// IsSome reports whether the Option holds a value.
func (o Option[T]) IsSome() bool {
	return o.hasValue
}

// IsNothing reports whether the Option is empty.
func (o Option[T]) IsNothing() bool {
	return !o.hasValue
}

// Unwrap returns the held value and panics if the Option is empty.
func (o Option[T]) Unwrap() T {
	if !o.hasValue {
		panic("option: unwrap of empty option")
	}
	return o.value
}

// UnwrapOr returns the held value or the given fallback.
func (o Option[T]) UnwrapOr(fallback T) T {
	if !o.hasValue {
		return fallback
	}
	return o.value
}

// UnwrapOrZero returns the held value or the zero value of T.
func (o Option[T]) UnwrapOrZero() T {
	var zero T
	return o.UnwrapOr(zero)
}

// Ptr returns a pointer to the held value, or nil for Nothing. Useful
// when binding nullable query parameters.
func (o Option[T]) Ptr() *T {
	if !o.hasValue {
		return nil
	}
	value := o.value
	return &value
}

// Map transforms the held value with fn, preserving emptiness.
func Map[T, U any](o Option[T], fn func(T) U) Option[U] {
	if !o.hasValue {
		return Nothing[U]()
	}
	return Some(fn(o.value))
}

func (o Option[T]) String() string {
	if !o.hasValue {
		return "Nothing"
	}
	return fmt.Sprintf("Some(%v)", o.value)
}
