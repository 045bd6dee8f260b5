package callback

// Policy decides whether caller-supplied output parameters are honored.
//
// When parameters are allowed, anyone holding a URL can choose the output it delivers,
// not only whether it fires. Deployments that hand URLs to untrusted parties should set
// DisableOutputParameters.
type Policy struct {
	DisableOutputParameters bool
}

// Allows reports whether caller parameters apply to claims.
func (p Policy) Allows(c *Claims) bool {
	return !p.DisableOutputParameters && c.Parameters
}

// DefaultParameters is the per-URL setting used when a create request does not choose one.
func (p Policy) DefaultParameters() bool {
	return !p.DisableOutputParameters
}

// ApplyParameters merges caller parameters into the action baked into a credential.
// Caller keys win. For failures, "error" and "cause" string parameters replace the
// baked-in values and every other key lands in Details. Heartbeats carry no data.
func ApplyParameters(a Action, params map[string]any) Action {
	out := a.Clone()
	if len(params) == 0 {
		return out
	}

	switch out.Type {
	case ActionSuccess:
		if out.Output == nil {
			out.Output = make(map[string]any, len(params))
		}
		for k, v := range params {
			out.Output[k] = v
		}
	case ActionFailure:
		for k, v := range params {
			switch s, isString := v.(string); {
			case k == "error" && isString:
				out.Error = s
			case k == "cause" && isString:
				out.Cause = s
			default:
				if out.Details == nil {
					out.Details = make(map[string]any, len(params))
				}
				out.Details[k] = v
			}
		}
	case ActionHeartbeat:
	}
	return out
}
