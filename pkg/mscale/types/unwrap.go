package types

// Unwrap inspects a value pulled out of a remote-value cell and splits it
// back into (value, error): owner-side RPC execution stores a
// *CapturedException into a result cell exactly like any other value, so
// callers reading the cell's raw contents funnel it through Unwrap rather
// than every cell consumer special-casing the exception type itself.
func Unwrap(v interface{}) (interface{}, error) {
	if ce, ok := v.(*CapturedException); ok {
		return nil, ce
	}
	return v, nil
}

// Capture wraps a user error as the envelope a RemoteException carries
// across the wire (spec §6).
func Capture(err error) *CapturedException {
	if err == nil {
		return nil
	}
	return &CapturedException{Message: err.Error()}
}
