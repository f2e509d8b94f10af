package option

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSomeHoldsValue(t *testing.T) {
	o := Some(42)

	assert.True(t, o.IsSome())
	assert.False(t, o.IsNothing())
	assert.Equal(t, 42, o.Unwrap())
}

func TestNothingIsEmpty(t *testing.T) {
	o := Nothing[int]()

	assert.False(t, o.IsSome())
	assert.True(t, o.IsNothing())
}

func TestUnwrapPanicsOnNothing(t *testing.T) {
	assert.Panics(t, func() {
		Nothing[string]().Unwrap()
	})
}

func TestUnwrapOr(t *testing.T) {
	assert.Equal(t, "held", Some("held").UnwrapOr("fallback"))
	assert.Equal(t, "fallback", Nothing[string]().UnwrapOr("fallback"))
}

func TestUnwrapOrZero(t *testing.T) {
	assert.Equal(t, 0, Nothing[int]().UnwrapOrZero())
	assert.Equal(t, 7, Some(7).UnwrapOrZero())
}

func TestFromPtr(t *testing.T) {
	value := "present"

	assert.Equal(t, Some("present"), FromPtr(&value))
	assert.Equal(t, Nothing[string](), FromPtr[string](nil))
}

func TestPtr(t *testing.T) {
	o := Some(13)

	ptr := o.Ptr()
	assert.NotNil(t, ptr)
	assert.Equal(t, 13, *ptr)

	assert.Nil(t, Nothing[int]().Ptr())
}

func TestPtrDoesNotAliasOption(t *testing.T) {
	o := Some(1)

	ptr := o.Ptr()
	*ptr = 99

	assert.Equal(t, 1, o.Unwrap())
}

func TestMap(t *testing.T) {
	doubled := Map(Some(21), func(v int) int { return v * 2 })
	assert.Equal(t, Some(42), doubled)

	empty := Map(Nothing[int](), func(v int) int { return v * 2 })
	assert.True(t, empty.IsNothing())
}

func TestString(t *testing.T) {
	assert.Equal(t, "Some(5)", Some(5).String())
	assert.Equal(t, "Nothing", Nothing[int]().String())
}
