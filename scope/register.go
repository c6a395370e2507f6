package scope

import (
	"fmt"
	"reflect"
)

var (
	argsType     = reflect.TypeOf([]any(nil))
	callbackType = reflect.TypeOf(Callback(nil))
)

// Register adds the exported methods of rcvr that have the signature
//
//	func (T) Name(args []any, done scope.Callback)
//
// to s under their method name. Other methods are skipped. It returns the
// number of methods registered.
func Register(s *Scope, rcvr any) (int, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return 0, fmt.Errorf("scope: rcvr is nil")
	}
	if typ.Kind() != reflect.Ptr {
		return 0, fmt.Errorf("scope: rcvr must be a pointer, got %s", typ.Kind())
	}
	val := reflect.ValueOf(rcvr)

	n := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		// In(0) is the receiver
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 0 ||
			method.Type.In(1) != argsType || method.Type.In(2) != callbackType {
			continue
		}
		fn := val.Method(i).Interface().(func([]any, Callback))
		s.Set(method.Name, Func(fn))
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("scope: %s has no methods of the form Name([]any, scope.Callback)", typ)
	}
	return n, nil
}
