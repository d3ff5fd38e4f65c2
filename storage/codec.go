package storage

import (
	"encoding/json"
	"fmt"

	"github.com/songzhibin97/stepflow/types"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// Codec serializes run snapshots for stores that keep bytes.
type Codec interface {
	Marshal(run types.RunState) ([]byte, error)
	Unmarshal(data []byte) (types.RunState, error)
	Name() string
}

// JSONCodec encodes snapshots as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(run types.RunState) ([]byte, error) {
	return json.Marshal(run)
}

func (JSONCodec) Unmarshal(data []byte) (types.RunState, error) {
	var run types.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return types.RunState{}, err
	}
	return run, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes snapshots as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(run types.RunState) ([]byte, error) {
	return msgpack.Marshal(run)
}

func (MsgpackCodec) Unmarshal(data []byte) (types.RunState, error) {
	var run types.RunState
	if err := msgpack.Unmarshal(data, &run); err != nil {
		return types.RunState{}, err
	}
	return run, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }

// CodecByName resolves a configured codec name; empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecNameJSON:
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot codec %q", name)
	}
}
