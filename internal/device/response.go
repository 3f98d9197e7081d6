package device

import "bytes"

// Response is a device reply to an executed submission, split on the raw
// REPL framing "OK<output>\x04<error>\x04>".
type Response struct {
	Output []byte
	Error  []byte
	// Complete is true when both EOT markers were seen.
	Complete bool
	// Accepted is true when the reply started with the OK marker.
	Accepted bool
}

var okMarker = []byte("OK")

// ParseResponse splits raw device output. Anything before the OK marker is
// kept in Output, so a reply from a device that was not in paste mode is
// passed through unchanged.
func ParseResponse(data []byte) Response {
	var r Response

	if i := bytes.Index(data, okMarker); i >= 0 && bytes.IndexByte(data[:i], EOT) < 0 {
		r.Accepted = true
		r.Output = append(r.Output, data[:i]...)
		data = data[i+len(okMarker):]
	}

	first := bytes.IndexByte(data, EOT)
	if first < 0 {
		r.Output = append(r.Output, data...)
		return r
	}
	r.Output = append(r.Output, data[:first]...)

	rest := data[first+1:]
	second := bytes.IndexByte(rest, EOT)
	if second < 0 {
		r.Error = append(r.Error, rest...)
		return r
	}
	r.Error = append(r.Error, rest[:second]...)
	r.Complete = true
	return r
}
