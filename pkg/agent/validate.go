package agent

import "fmt"

// validateRequest implements spec §4.3: per-action field validation. It
// never calls the Backend; a failure is reported through replyError with
// code 4000 and no further processing happens for that request.
func validateRequest(req map[string]interface{}) *Error {
	action, ok := req["a"].(string)
	if !ok || action == "" {
		return errBadRequest("missing action")
	}

	switch action {
	case "qsub", "qfetch", "qunsub", "qresub":
		if !isNumber(req["id"]) {
			return errBadRequest("id must be a number")
		}
	case "sub", "unsub", "fetch", "op":
		if !isOptionalString(req["c"]) {
			return errBadRequest("c must be a string")
		}
		if !isOptionalString(req["d"]) {
			return errBadRequest("d must be a string")
		}
		if action == "op" {
			if v, present := req["v"]; present && v != nil {
				n, ok := asNonNegativeInt(v)
				if !ok {
					return errBadRequest("v must be a non-negative integer")
				}
				_ = n
			}
		}
	case "bs":
		if _, ok := req["s"].(map[string]interface{}); !ok {
			return errBadRequest("s must be an object")
		}
	default:
		return errBadRequest(fmt.Sprintf("unknown action %q", action))
	}
	return nil
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, int, int64:
		return true
	default:
		return false
	}
}

func isOptionalString(v interface{}) bool {
	if v == nil {
		return true
	}
	_, ok := v.(string)
	return ok
}

func asNonNegativeInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return int64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
