package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Func adapts an ordinary Go function into a Handler. Parameters are decoded
// positionally from the call's JSON params; missing trailing params take the
// zero value. Accepted shapes:
//
//	func([ctx context.Context,] args...)
//	func([ctx context.Context,] args...) error
//	func([ctx context.Context,] args...) R
//	func([ctx context.Context,] args...) (R, error)
func Func(fn any) (Handler, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("rpc: Func needs a function, got %T", fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("rpc: variadic functions are not supported")
	}

	first := 0
	withCtx := t.NumIn() > 0 && t.In(0) == contextType
	if withCtx {
		first = 1
	}
	argTypes := make([]reflect.Type, 0, t.NumIn()-first)
	for i := first; i < t.NumIn(); i++ {
		argTypes = append(argTypes, t.In(i))
	}

	var resultIdx, errIdx = -1, -1
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			errIdx = 0
		} else {
			resultIdx = 0
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("rpc: second result of %s must be error", t)
		}
		resultIdx, errIdx = 0, 1
	default:
		return nil, fmt.Errorf("rpc: %s returns too many values", t)
	}

	return func(ctx context.Context, req *Request) (any, error) {
		if len(req.Params) > len(argTypes) {
			return nil, &Error{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("%s: expected at most %d params, got %d", req.Method, len(argTypes), len(req.Params)),
				Handled: true,
			}
		}
		args := make([]reflect.Value, 0, t.NumIn())
		if withCtx {
			args = append(args, reflect.ValueOf(&ctx).Elem())
		}
		for i, at := range argTypes {
			ptr := reflect.New(at)
			if i < len(req.Params) {
				if err := json.Unmarshal(req.Params[i], ptr.Interface()); err != nil {
					return nil, &Error{
						Code:    CodeInvalidParams,
						Message: fmt.Sprintf("%s: parameter %d: %v", req.Method, i, err),
						Handled: true,
						cause:   err,
					}
				}
			}
			args = append(args, ptr.Elem())
		}

		out := v.Call(args)
		var result any
		var err error
		if resultIdx >= 0 {
			result = out[resultIdx].Interface()
		}
		if errIdx >= 0 && !out[errIdx].IsNil() {
			err = out[errIdx].Interface().(error)
		}
		return result, err
	}, nil
}

// MustFunc is Func for registration code that cannot fail at runtime.
func MustFunc(fn any) Handler {
	h, err := Func(fn)
	if err != nil {
		panic(err)
	}
	return h
}
