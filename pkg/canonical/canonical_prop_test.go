package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: encoding is deterministic and Encode∘Decode∘Encode is the
// identity on canonical bytes, for arbitrary string-keyed objects.
func TestCanonicalProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	buildObject := func(keys []string, values []string, nums []int64) map[string]any {
		obj := make(map[string]any)
		for i := 0; i < len(keys); i++ {
			if keys[i] == "" {
				continue
			}
			switch {
			case i < len(values):
				obj[keys[i]] = values[i]
			case i < len(values)+len(nums):
				obj[keys[i]] = nums[i-len(values)]
			default:
				obj[keys[i]] = nil
			}
		}
		return obj
	}

	properties.Property("encoding is deterministic", prop.ForAll(
		func(keys []string, values []string, nums []int64) bool {
			obj := buildObject(keys, values, nums)
			a, err1 := Encode(obj)
			b, err2 := Encode(obj)
			return err1 == nil && err2 == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.Property("round-trip is byte stable", prop.ForAll(
		func(keys []string, values []string, nums []int64) bool {
			obj := buildObject(keys, values, nums)
			first, err := Encode(obj)
			if err != nil {
				// NFC key collisions are legitimately rejected.
				return err == ErrDuplicateKey
			}
			parsed, err := Decode(first)
			if err != nil {
				return false
			}
			second, err := Encode(parsed)
			return err == nil && string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
