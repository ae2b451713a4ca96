package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestIdentity(t *testing.T) {
	ctx := context.Background()
	slice := []int{1, 2, 3}
	out, err := Identity[[]int]()(ctx, slice)
	if err != nil {
		t.Errorf("Identity(slice): err = %v", err)
	}
	if !reflect.DeepEqual(out, slice) {
		t.Errorf("Identity(slice): got %v", out)
	}
}

func TestTap(t *testing.T) {
	ctx := context.Background()
	var seenCtx context.Context
	var seenInput string
	fn := Tap(func(c context.Context, v string) {
		seenCtx = c
		seenInput = v
	})

	out, err := fn(ctx, "tapped")
	if err != nil {
		t.Fatalf("Tap: err = %v", err)
	}
	if seenCtx != ctx || seenInput != "tapped" {
		t.Errorf("Tap: fn called with ctx=%v input=%v", seenCtx, seenInput)
	}
	if out != "tapped" {
		t.Errorf("Tap: want output %v, got %v", "tapped", out)
	}
}

func TestValidate_Pass(t *testing.T) {
	fn := Validate(func(n int) bool { return n > 0 }, "must be positive")

	out, err := fn(context.Background(), 42)
	if err != nil {
		t.Errorf("Validate(42): err = %v", err)
	}
	if out != 42 {
		t.Errorf("Validate(42): got %v", out)
	}
}

func TestValidate_Fail(t *testing.T) {
	fn := Validate(func(n int) bool { return n > 0 }, "must be positive")

	_, err := fn(context.Background(), 0)
	if err == nil {
		t.Fatal("Validate(0): expected error")
	}
	if err.Error() != "must be positive" {
		t.Errorf("Validate(0): got %q", err.Error())
	}
}

func TestValidate_DefaultErrMsg(t *testing.T) {
	fn := Validate(func(n int) bool { return false }, "")

	_, err := fn(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "validation failed" {
		t.Errorf("got %q", err.Error())
	}
}

func TestWithTimeout_Completes(t *testing.T) {
	fn := WithTimeout(func(ctx context.Context, n int) (int, error) { return n * 2, nil }, time.Second)

	out, err := fn(context.Background(), 21)
	if err != nil {
		t.Fatalf("WithTimeout: err = %v", err)
	}
	if out != 42 {
		t.Errorf("WithTimeout: got %v", out)
	}
}

func TestWithTimeout_Exceeded(t *testing.T) {
	fn := WithTimeout(func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, 10*time.Millisecond)

	_, err := fn(context.Background(), 1)
	if err == nil {
		t.Fatal("WithTimeout: expected deadline exceeded")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WithTimeout: got %v", err)
	}
}

func TestMapSlice(t *testing.T) {
	fn := MapSlice(func(ctx context.Context, n int) (string, error) {
		return fmt.Sprintf("%d", n), nil
	})

	got, err := fn(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("MapSlice: err = %v", err)
	}
	want := []string{"1", "2", "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MapSlice: got %v want %v", got, want)
	}
}

func TestMapSlice_ConvertError(t *testing.T) {
	convertErr := errors.New("convert failed")
	fn := MapSlice(func(ctx context.Context, n int) (string, error) {
		if n == 2 {
			return "", convertErr
		}
		return fmt.Sprintf("%d", n), nil
	})

	_, err := fn(context.Background(), []int{1, 2, 3})
	if err == nil {
		t.Fatal("MapSlice: expected error")
	}
	if !errors.Is(err, convertErr) {
		t.Errorf("MapSlice: got %v", err)
	}
}

func TestFilterSlice(t *testing.T) {
	fn := FilterSlice(func(n int) bool { return n%2 == 0 })

	got, err := fn(context.Background(), []int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("FilterSlice: err = %v", err)
	}
	if !reflect.DeepEqual(got, []int{2, 4}) {
		t.Errorf("FilterSlice: got %v", got)
	}
}

func TestFilterSlice_EmptyResult(t *testing.T) {
	fn := FilterSlice(func(n int) bool { return n > 100 })

	got, err := fn(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("FilterSlice: err = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("FilterSlice: got %v", got)
	}
}
