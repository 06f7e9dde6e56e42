package wire

import "encoding/json"

// RouteResponse is the public shape a request's tracked.Outcome settles with
// once a "res" envelope answers it. A 202 never settles a request; only the
// engine sees 202s.
type RouteResponse struct {
	Data  any
	Error string
}

// OK reports whether the response carries no error.
func (r RouteResponse) OK() bool {
	return r.Error == ""
}

// FromRes translates a "res" body's status/data into a RouteResponse: status
// 200 carries Data, any other terminal status carries Error as a string.
func FromRes(status int, data any) RouteResponse {
	if status == StatusOK {
		return RouteResponse{Data: data}
	}

	return RouteResponse{Error: dataAsString(data)}
}

func dataAsString(data any) string {
	switch v := data.(type) {
	case nil:
		return "unknown error"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "unknown error"
		}
		return string(b)
	}
}
