package sockrouter

import "github.com/tidwall/gjson"

// sniffType extracts the "type" field from raw envelope bytes without a
// full json.Unmarshal. The router uses it on the oversize-frame path, where
// the frame is rejected before any full decode; Process decodes every other
// frame in full before the handler lookup.
//
// gjson-backed field probing avoids a full parse when all that's needed
// is a single top-level field, since this router has exactly one wire
// format to sniff.
func sniffType(raw []byte) (string, bool) {
	if !gjson.ValidBytes(raw) {
		return "", false
	}
	r := gjson.GetBytes(raw, "type")
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}

// sniffCorrelationID extracts meta.correlationId the same cheap way, used
// when a frame must be rejected before a full decode (e.g. oversize
// payload) but the error should still correlate to an in-flight RPC.
func sniffCorrelationID(raw []byte) (string, bool) {
	if !gjson.ValidBytes(raw) {
		return "", false
	}
	r := gjson.GetBytes(raw, "meta.correlationId")
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}
