package errext

import "errors"

// Format splits err into the message to log and the fields that carry its
// annotations: "log" for the call log and "hint" for the hint. The call log
// is left out of the message since it has a field of its own.
func Format(err error) (string, map[string]interface{}) {
	if err == nil {
		return "", nil
	}

	msg := err.Error()
	fields := make(map[string]interface{})

	var logged HasCallLog
	if errors.As(err, &logged) {
		if inner := errors.Unwrap(logged); inner != nil {
			msg = inner.Error()
		}
		fields["log"] = logged.CallLog()
	}
	var hinted HasHint
	if errors.As(err, &hinted) {
		fields["hint"] = hinted.Hint()
	}

	return msg, fields
}
