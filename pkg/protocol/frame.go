package protocol

import "encoding/json"

// Frame is the unit of traffic on the relay stream. The proxy sends frames with
// a fresh ID and Core answers with a frame carrying the same ID. Control frames
// (hello, initial_info, remote approval completion) carry ID 0 and are consumed
// by the relay loop instead of being correlated.
type Frame struct {
	ID         uint64          `json:"id"`
	Type       string          `json:"type"`
	DeviceInfo *DeviceInfo     `json:"device_info,omitempty"`
	Token      string          `json:"token,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DeviceInfo describes the end client on whose behalf a request is relayed.
type DeviceInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// NewFrame builds a frame with the payload marshalled into Data.
func NewFrame(id uint64, typ string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Type: typ, Data: data}, nil
}

// DecodeData unmarshals the frame payload into v.
func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
