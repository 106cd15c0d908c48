package tlprogram

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodePrograms serializes programs in the exchange format
// {id, type, offset, phases: [{duration, state}]}.
func EncodePrograms(programs []Program) ([]byte, error) {
	return json.MarshalIndent(programs, "", "  ")
}

func DecodePrograms(data []byte) ([]Program, error) {
	var programs []Program
	if err := json.Unmarshal(data, &programs); err != nil {
		return nil, err
	}
	for _, p := range programs {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return programs, nil
}

// ProgramList returns the programs in id order.
func (s ProgramSet) ProgramList() []Program {
	out := make([]Program, 0, len(s.Programs))
	for _, id := range s.IDs() {
		out = append(out, s.Programs[id].Clone())
	}
	return out
}

func EncodeProgramSet(s ProgramSet) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeProgramSet(data []byte) (ProgramSet, error) {
	var s ProgramSet
	if err := json.Unmarshal(data, &s); err != nil {
		return ProgramSet{}, err
	}
	if err := s.Validate(); err != nil {
		return ProgramSet{}, err
	}
	return s, nil
}

// MarshalMsgpack and UnmarshalMsgpack are used on the simulator bridge.
func MarshalMsgpack(programs []Program) ([]byte, error) {
	return msgpack.Marshal(programs)
}

func UnmarshalMsgpack(data []byte) ([]Program, error) {
	var programs []Program
	if err := msgpack.Unmarshal(data, &programs); err != nil {
		return nil, fmt.Errorf("decode programs: %w", err)
	}
	return programs, nil
}
