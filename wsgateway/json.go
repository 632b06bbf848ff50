package wsgateway

import "encoding/json"

// marshalPayload and unmarshalPayload centralize the op/data envelope
// encoding. This module's teacher wraps encoding/json behind a swappable
// json.Driver interface (utils/json) mainly so the main REST/gateway client
// can plug in a faster JSON library; this voice-only control channel has no
// such need (its payloads are tiny and infrequent), so it uses
// encoding/json directly rather than carrying that abstraction for no
// benefit.
func marshalPayload(op OPCode, v interface{}) ([]byte, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	return json.Marshal(Payload{Op: op, Data: raw})
}

func unmarshalPayload(b []byte, p *Payload) error {
	return json.Unmarshal(b, p)
}
