package schema

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v := NewValidator(nil)

	user := Object(Fields{
		"email": String().Check(`value contains "@"`),
		"age":   Integer().Opt(),
		"tags":  Array(String()).Opt(),
		"role":  String().WithDefault("member"),
	})

	t.Run("strips unknown keys and fills defaults", func(t *testing.T) {
		out, err := v.Validate(user, map[string]interface{}{
			"email": "a@b.com",
			"extra": true,
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"email": "a@b.com", "role": "member"}, out)
	})

	t.Run("passthrough keeps unknown keys", func(t *testing.T) {
		out, err := v.Validate(user.AllowUnknown(), map[string]interface{}{
			"email": "a@b.com",
			"extra": true,
		})
		require.NoError(t, err)
		assert.Equal(t, true, out.(map[string]interface{})["extra"])
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := v.Validate(user, map[string]interface{}{"age": 3})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "email", ve.Path)
	})

	t.Run("kind mismatch reports nested path", func(t *testing.T) {
		_, err := v.Validate(user, map[string]interface{}{
			"email": "a@b.com",
			"tags":  []interface{}{"x", 2},
		})
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "tags[1]", ve.Path)
	})

	t.Run("integer accepts integral floats only", func(t *testing.T) {
		_, err := v.Validate(Integer(), 3.0)
		assert.NoError(t, err)
		_, err = v.Validate(Integer(), 3.5)
		assert.ErrorIs(t, err, ErrValidation)
		_, err = v.Validate(Number(), int64(7))
		assert.NoError(t, err)
	})

	t.Run("rejects non-finite numbers", func(t *testing.T) {
		for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
			_, err := v.Validate(Number(), f)
			assert.ErrorIs(t, err, ErrValidation)
			_, err = v.Validate(Integer(), f)
			assert.ErrorIs(t, err, ErrValidation)
		}

		_, err := v.Validate(Object(Fields{"n": Number()}), map[string]interface{}{"n": math.NaN()})
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "n", ve.Path)

		_, err = v.Validate(nil, []interface{}{1.0, math.Inf(1)})
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "[1]", ve.Path)

		_, err = Normalize(map[string]interface{}{"x": float32(math.Inf(-1))})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("failed check", func(t *testing.T) {
		_, err := v.Validate(user, map[string]interface{}{"email": "nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not satisfied")
	})

	t.Run("structs are normalized", func(t *testing.T) {
		type payload struct {
			Email string `json:"email"`
		}
		out, err := v.Validate(user, payload{Email: "x@y.z"})
		require.NoError(t, err)
		assert.Equal(t, "x@y.z", out.(map[string]interface{})["email"])
	})

	t.Run("nil schema accepts anything", func(t *testing.T) {
		out, err := v.Validate(nil, "anything")
		require.NoError(t, err)
		assert.Equal(t, "anything", out)
	})

	t.Run("validation does not alias input maps", func(t *testing.T) {
		in := map[string]interface{}{"email": "a@b.com"}
		out, err := v.Validate(user, in)
		require.NoError(t, err)
		out.(map[string]interface{})["email"] = "changed"
		assert.Equal(t, "a@b.com", in["email"])
	})
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		name     string
		producer *Schema
		consumer *Schema
		wantErr  bool
	}{
		{"nil producer", nil, String(), false},
		{"any consumer", String(), Any(), false},
		{"same kind", String(), String(), false},
		{"integer into number", Integer(), Number(), false},
		{"number into integer", Number(), Integer(), true},
		{"string into bool", String(), Bool(), true},
		{
			"object superset",
			Object(Fields{"result": String(), "extra": Bool()}),
			Object(Fields{"result": String()}),
			false,
		},
		{
			"object missing field",
			Object(Fields{"result": String()}),
			Object(Fields{"test": String()}),
			true,
		},
		{
			"missing optional field",
			Object(Fields{"result": String()}),
			Object(Fields{"result": String(), "note": String().Opt()}),
			false,
		},
		{
			"missing field with default",
			Object(Fields{}),
			Object(Fields{"n": Integer().WithDefault(1)}),
			false,
		},
		{
			"optional producer field into required",
			Object(Fields{"result": String().Opt()}),
			Object(Fields{"result": String()}),
			true,
		},
		{"array items", Array(Integer()), Array(Number()), false},
		{"array item mismatch", Array(String()), Array(Number()), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Compatible(tt.producer, tt.consumer)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestZero(t *testing.T) {
	s := Object(Fields{
		"sharedValue": String(),
		"count":       Integer().WithDefault(2),
		"note":        String().Opt(),
		"nested":      Object(Fields{"ok": Bool()}),
	})
	assert.Equal(t, map[string]interface{}{
		"sharedValue": "",
		"count":       2,
		"nested":      map[string]interface{}{"ok": false},
	}, Zero(s))
	assert.Nil(t, Zero(nil))

	_, err := NewValidator(nil).Validate(s, Zero(s))
	assert.NoError(t, err)
}

func TestSchemaString(t *testing.T) {
	s := Object(Fields{"reason": String(), "count": Integer().Opt(), "items": Array(Bool())})
	assert.Equal(t, "{count?:integer, items:[]bool, reason:string}", s.String())
	assert.Equal(t, "any", (*Schema)(nil).String())
}

func TestBuildersDoNotMutate(t *testing.T) {
	base := String()
	opt := base.Opt().Check("len(value) > 1")
	assert.False(t, base.Optional)
	assert.Empty(t, base.Checks)
	assert.True(t, opt.Optional)
	assert.Len(t, opt.Checks, 1)
}
