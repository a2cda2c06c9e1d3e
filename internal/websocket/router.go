// internal/websocket/router.go
package websocket

import (
	"fmt"
	"reflect"
)

// Router dispatches RPC method names to the exported methods of the bound
// App value via reflection, so the WS surface tracks the App's public
// surface without a hand-maintained table.
type Router struct {
	app     interface{}
	methods map[string]reflect.Method
}

// NewRouter registers every exported method of app.
func NewRouter(app interface{}) *Router {
	r := &Router{
		app:     app,
		methods: make(map[string]reflect.Method),
	}

	appType := reflect.TypeOf(app)
	for i := 0; i < appType.NumMethod(); i++ {
		method := appType.Method(i)
		if method.IsExported() {
			r.methods[method.Name] = method
		}
	}
	return r
}

// Call invokes a registered method with JSON-decoded positional params.
func (r *Router) Call(methodName string, params []interface{}) (interface{}, error) {
	method, ok := r.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("method not found: %s", methodName)
	}

	methodType := method.Type
	numIn := methodType.NumIn() - 1 // minus receiver
	if len(params) != numIn {
		return nil, fmt.Errorf("method %s expects %d params, got %d", methodName, numIn, len(params))
	}

	args := make([]reflect.Value, numIn+1)
	args[0] = reflect.ValueOf(r.app)
	for i, param := range params {
		value, err := convertParam(param, methodType.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		args[i+1] = value
	}

	return processResults(method.Func.Call(args))
}

// convertParam adapts a JSON-decoded value to the parameter type. JSON
// numbers arrive as float64 and need explicit narrowing.
func convertParam(param interface{}, targetType reflect.Type) (reflect.Value, error) {
	if param == nil {
		return reflect.Zero(targetType), nil
	}

	value := reflect.ValueOf(param)
	if value.Type().AssignableTo(targetType) {
		return value, nil
	}

	if value.Kind() == reflect.Float64 {
		f := param.(float64)
		switch targetType.Kind() {
		case reflect.Int:
			return reflect.ValueOf(int(f)), nil
		case reflect.Int64:
			return reflect.ValueOf(int64(f)), nil
		case reflect.Int32:
			return reflect.ValueOf(int32(f)), nil
		case reflect.Uint:
			return reflect.ValueOf(uint(f)), nil
		case reflect.Uint32:
			return reflect.ValueOf(uint32(f)), nil
		case reflect.Uint64:
			return reflect.ValueOf(uint64(f)), nil
		}
	}

	if value.Type().ConvertibleTo(targetType) {
		return value.Convert(targetType), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", param, targetType)
}

// processResults maps Go return values onto the RPC result/error pair. A
// trailing error return becomes the RPC error.
func processResults(results []reflect.Value) (interface{}, error) {
	errType := reflect.TypeOf((*error)(nil)).Elem()

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type().Implements(errType) {
			if !results[0].IsNil() {
				return nil, results[0].Interface().(error)
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		return results[0].Interface(), nil
	default:
		last := results[len(results)-1]
		if last.Type().Implements(errType) && !last.IsNil() {
			return nil, last.Interface().(error)
		}
		var result []interface{}
		for i := 0; i < len(results)-1; i++ {
			result = append(result, results[i].Interface())
		}
		return result, nil
	}
}
