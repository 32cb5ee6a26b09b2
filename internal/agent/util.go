package agent

import (
	"bytes"
	"encoding/json"
)

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

// jsonUnmarshalSchema decodes a tool's JSON-Schema document into a
// generic map for providers.ToolSpec.Parameters. A nil/empty schema
// unmarshals to a nil map, which is valid input for the providers.
func jsonUnmarshalSchema(raw json.RawMessage, out *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
