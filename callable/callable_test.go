package callable

import (
	"context"
	"strings"
	"testing"

	"github.com/refnet/refnet/value"
)

func valuePtr(v value.Value) *value.Value {
	return &v
}

// twoArgsTwoKwargs mirrors the canonical defaulted signature used across
// the binding tests: two required tensors and two defaulted ones.
func twoArgsTwoKwargs() *Function {
	return &Function{
		Name: "two_args_two_kwargs",
		Params: []Param{
			{Name: "first_arg"},
			{Name: "second_arg"},
			{Name: "first_kwarg", Default: valuePtr(value.NewTensor(3, 3))},
			{Name: "second_kwarg", Default: valuePtr(value.NewTensor(4, 4))},
		},
		Body: func(ctx context.Context, rt Runtime, args []value.Value) (value.Value, error) {
			sum := args[0]
			var err error
			for _, a := range args[1:] {
				sum, err = value.Add(sum, a)
				if err != nil {
					return value.Unit(), err
				}
			}
			return sum, nil
		},
	}
}

func runBound(t *testing.T, fn *Function, args []value.Value, kwargs map[string]value.Value) value.Value {
	t.Helper()
	bound, err := Bind(fn, args, kwargs)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	got, err := fn.Body(context.Background(), nil, bound)
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	return got
}

func TestBindDefaultsApply(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{value.NewTensor(1, 1), value.NewTensor(2, 2)}

	got := runBound(t, fn, args, nil)
	if !value.Equal(got, value.NewTensor(10, 10)) {
		t.Errorf("Expected [10, 10], got %s", got)
	}
}

func TestBindKeywordOverridesSecondDefault(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{value.NewTensor(1, 1), value.NewTensor(2, 2)}
	kwargs := map[string]value.Value{
		"second_kwarg": value.NewTensor(3, 3),
	}

	got := runBound(t, fn, args, kwargs)
	if !value.Equal(got, value.NewTensor(9, 9)) {
		t.Errorf("Expected [9, 9], got %s", got)
	}
}

func TestBindBothKeywordsOverride(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{value.NewTensor(1, 1), value.NewTensor(2, 2)}
	kwargs := map[string]value.Value{
		"first_kwarg":  value.NewTensor(2, 2),
		"second_kwarg": value.NewTensor(3, 3),
	}

	got := runBound(t, fn, args, kwargs)
	if !value.Equal(got, value.NewTensor(8, 8)) {
		t.Errorf("Expected [8, 8], got %s", got)
	}
}

func TestBindExtraPositionalFeedsDefaultedParam(t *testing.T) {
	fn := twoArgsTwoKwargs()
	// A third positional argument lands on the first defaulted parameter.
	args := []value.Value{
		value.NewTensor(1, 1),
		value.NewTensor(2, 2),
		value.NewTensor(1, 1),
	}

	got := runBound(t, fn, args, nil)
	if !value.Equal(got, value.NewTensor(8, 8)) {
		t.Errorf("Expected [8, 8], got %s", got)
	}
}

func TestValidateRejectsTooManyPositionals(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{
		value.NewTensor(1, 1),
		value.NewTensor(2, 2),
		value.NewTensor(3, 3),
		value.NewTensor(4, 4),
		value.NewTensor(5, 5),
	}

	err := Validate(fn, args, nil)
	if err == nil {
		t.Fatal("Expected arity error")
	}
	want := "two_args_two_kwargs() expected at most 4 arguments but found 5 positional arguments"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{value.NewTensor(1, 1)}

	err := Validate(fn, args, nil)
	if err == nil {
		t.Fatal("Expected missing-argument error")
	}
	if err.Error() != "Argument second_arg not provided" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestValidateIgnoresUnknownKeyword(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{value.NewTensor(1, 1), value.NewTensor(2, 2)}
	kwargs := map[string]value.Value{
		"third_kwarg": value.NewTensor(1, 1),
	}

	// Unknown keyword names pass construction-time validation; only the
	// executing side rejects them.
	if err := Validate(fn, args, kwargs); err != nil {
		t.Errorf("Validate rejected unknown keyword early: %v", err)
	}

	_, err := Bind(fn, args, kwargs)
	if err == nil {
		t.Fatal("Expected bind to reject unknown keyword")
	}
	if err.Error() != "Unknown keyword argument 'third_kwarg'" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestBindRejectsDuplicateArgument(t *testing.T) {
	fn := twoArgsTwoKwargs()
	args := []value.Value{value.NewTensor(1, 1), value.NewTensor(2, 2)}
	kwargs := map[string]value.Value{
		"second_arg": value.NewTensor(9, 9),
	}

	_, err := Bind(fn, args, kwargs)
	if err == nil {
		t.Fatal("Expected duplicate-argument error")
	}
	if !strings.Contains(err.Error(), "multiple values for argument 'second_arg'") {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestRegistryLookupUndefined(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("non_exist_func")
	if err == nil {
		t.Fatal("Expected lookup failure")
	}
	if err.Error() != "attempted to get undefined function non_exist_func" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	fn := twoArgsTwoKwargs()
	if err := r.Register(fn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Lookup(fn.Name)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != fn {
		t.Error("Lookup returned a different function")
	}

	if err := r.Register(fn); err == nil {
		t.Error("Expected duplicate registration to fail")
	}

	names := r.Names()
	if len(names) != 1 || names[0] != fn.Name {
		t.Errorf("Unexpected names: %v", names)
	}
}
