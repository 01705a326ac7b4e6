package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "P2PLend-Chain/internal/errors"
)

// ErrEventNotFound reports that no log in a receipt matched the requested event.
var ErrEventNotFound = xerrors.New(xerrors.CodeEventNotFound, "event not found in receipt")

// Arg is one decoded event argument.
type Arg struct {
	Name    string
	Indexed bool
	Value   any
}

// Event is a log decoded against an ABI event description. Args keep the
// declaration order of the event inputs.
type Event struct {
	Name string
	Args []Arg
	Log  types.Log
}

// Arg returns the value of the named argument.
func (e *Event) Arg(name string) (any, bool) {
	if e == nil {
		return nil, false
	}
	for _, arg := range e.Args {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// Uint returns argument index as an unsigned integer.
func (e *Event) Uint(index int) (*big.Int, error) {
	if e == nil || index < 0 || index >= len(e.Args) {
		return nil, fmt.Errorf("event argument %d out of range", index)
	}
	switch v := e.Args[index].Value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("event argument %s is %T, not an unsigned integer", e.Args[index].Name, v)
	}
}

// FindEvent returns the first log in logs emitted as the named event.
// emitter restricts the search to one contract; the zero address accepts any.
// When no log matches the result is ErrEventNotFound.
func FindEvent(parsed abi.ABI, logs []*types.Log, name string, emitter common.Address) (*Event, error) {
	desc, ok := parsed.Events[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("ABI description has no event %s", name))
	}
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != desc.ID {
			continue
		}
		if emitter != (common.Address{}) && lg.Address != emitter {
			continue
		}
		return DecodeEvent(desc, *lg)
	}
	return nil, ErrEventNotFound
}

// DecodeEvent decodes lg against desc. Values are matched to inputs by
// position; unnamed inputs are reported as arg0, arg1 and so on.
func DecodeEvent(desc abi.Event, lg types.Log) (*Event, error) {
	indexed := 0
	for _, input := range desc.Inputs {
		if input.Indexed {
			indexed++
		}
	}
	if len(lg.Topics)-1 != indexed {
		return nil, fmt.Errorf("decode %s: expected %d indexed topics, got %d", desc.Name, indexed, len(lg.Topics)-1)
	}

	var data []any
	if nonIndexed := desc.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		unpacked, err := nonIndexed.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s data: %w", desc.Name, err)
		}
		data = unpacked
	}

	event := &Event{Name: desc.Name, Log: lg, Args: make([]Arg, 0, len(desc.Inputs))}
	topic, next := 1, 0
	for i, input := range desc.Inputs {
		name := input.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		var value any
		if input.Indexed {
			v, err := decodeTopic(input, lg.Topics[topic])
			if err != nil {
				return nil, fmt.Errorf("decode %s topic %s: %w", desc.Name, name, err)
			}
			value = v
			topic++
		} else {
			if next >= len(data) {
				return nil, fmt.Errorf("decode %s data: missing value for %s", desc.Name, name)
			}
			value = data[next]
			next++
		}
		event.Args = append(event.Args, Arg{Name: name, Indexed: input.Indexed, Value: value})
	}
	return event, nil
}

func decodeTopic(input abi.Argument, topic common.Hash) (any, error) {
	input.Name = "value"
	out := make(map[string]any, 1)
	if err := abi.ParseTopicsIntoMap(out, abi.Arguments{input}, []common.Hash{topic}); err != nil {
		return nil, err
	}
	return out["value"], nil
}
