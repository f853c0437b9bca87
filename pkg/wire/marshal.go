package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/loomworks/loom/pkg/types"
)

// Envelope field numbers. The format is protobuf wire encoding, assembled by
// hand: there is no .proto contract with other runtimes (wire compatibility
// across runtimes is not a goal), but the varint framing keeps messages
// compact and lets unknown fields be skipped.
const (
	fieldFrom             = 1
	fieldEventSubscribe   = 2
	fieldEventTrigger     = 3
	fieldEventUpdate      = 4
	fieldBarrierAdjust    = 5
	fieldBarrierSubscribe = 6
	fieldBarrierTrigger   = 7
)

// Handle submessage field numbers, shared by Event and Barrier handles.
const (
	fieldHandleID        = 1
	fieldHandleGen       = 2
	fieldHandleTimestamp = 3
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, data []byte) []byte {
	if len(data) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendEvent(b []byte, num protowire.Number, e types.Event) []byte {
	var sub []byte
	sub = appendVarintField(sub, fieldHandleID, uint64(e.ID))
	sub = appendVarintField(sub, fieldHandleGen, uint64(e.Gen))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendBarrier(b []byte, num protowire.Number, bar types.Barrier) []byte {
	var sub []byte
	sub = appendVarintField(sub, fieldHandleID, uint64(bar.ID))
	sub = appendVarintField(sub, fieldHandleGen, uint64(bar.Gen))
	sub = appendVarintField(sub, fieldHandleTimestamp, uint64(bar.Timestamp))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// Marshal encodes the envelope.
func (env *Envelope) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, fieldFrom, uint64(env.From))

	switch {
	case env.EventSubscribe != nil:
		m := env.EventSubscribe
		var sub []byte
		sub = appendEvent(sub, 1, m.Event)
		sub = appendVarintField(sub, 2, uint64(m.PreviousSubscribeGen))
		b = appendSubmessage(b, fieldEventSubscribe, sub)

	case env.EventTrigger != nil:
		m := env.EventTrigger
		var sub []byte
		sub = appendEvent(sub, 1, m.Event)
		if m.Poisoned {
			sub = appendVarintField(sub, 2, 1)
		}
		b = appendSubmessage(b, fieldEventTrigger, sub)

	case env.EventUpdate != nil:
		m := env.EventUpdate
		var sub []byte
		sub = appendEvent(sub, 1, m.Event)
		var packed []byte
		for _, g := range m.PoisonedGenerations {
			packed = protowire.AppendVarint(packed, uint64(g))
		}
		sub = appendBytesField(sub, 2, packed)
		b = appendSubmessage(b, fieldEventUpdate, sub)

	case env.BarrierAdjust != nil:
		m := env.BarrierAdjust
		var sub []byte
		sub = appendBarrier(sub, 1, m.Barrier)
		if m.Delta != 0 {
			sub = protowire.AppendTag(sub, 2, protowire.VarintType)
			sub = protowire.AppendVarint(sub, protowire.EncodeZigZag(int64(m.Delta)))
		}
		if m.WaitOn.Exists() {
			sub = appendEvent(sub, 3, m.WaitOn)
		}
		sub = appendBytesField(sub, 4, m.ReduceValue)
		b = appendSubmessage(b, fieldBarrierAdjust, sub)

	case env.BarrierSubscribe != nil:
		m := env.BarrierSubscribe
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(m.BarrierID))
		sub = appendVarintField(sub, 2, uint64(m.SubscribeGen))
		b = appendSubmessage(b, fieldBarrierSubscribe, sub)

	case env.BarrierTrigger != nil:
		m := env.BarrierTrigger
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(m.BarrierID))
		sub = appendVarintField(sub, 2, uint64(m.TriggerGen))
		sub = appendVarintField(sub, 3, uint64(m.PreviousGen))
		sub = appendVarintField(sub, 4, uint64(m.FirstGeneration))
		sub = appendVarintField(sub, 5, uint64(m.RedopID))
		sub = appendBytesField(sub, 6, m.Values)
		b = appendSubmessage(b, fieldBarrierTrigger, sub)

	default:
		return nil, fmt.Errorf("envelope has no body")
	}

	return b, nil
}

// appendSubmessage writes a length-delimited body even when empty, so the
// receiver can tell which message kind was sent.
func appendSubmessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// Unmarshal decodes an envelope, skipping unknown fields.
func (env *Envelope) Unmarshal(data []byte) error {
	*env = Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			env.From = types.NodeID(v)
			data = data[n:]

		case typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := env.unmarshalBody(num, sub); err != nil {
				return err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func (env *Envelope) unmarshalBody(num protowire.Number, sub []byte) error {
	switch num {
	case fieldEventSubscribe:
		m := &EventSubscribe{}
		err := parseFields(sub, func(fnum protowire.Number, v uint64, raw []byte) error {
			switch fnum {
			case 1:
				return parseEvent(raw, &m.Event)
			case 2:
				m.PreviousSubscribeGen = types.Generation(v)
			}
			return nil
		})
		env.EventSubscribe = m
		return err

	case fieldEventTrigger:
		m := &EventTrigger{}
		err := parseFields(sub, func(fnum protowire.Number, v uint64, raw []byte) error {
			switch fnum {
			case 1:
				return parseEvent(raw, &m.Event)
			case 2:
				m.Poisoned = v != 0
			}
			return nil
		})
		env.EventTrigger = m
		return err

	case fieldEventUpdate:
		m := &EventUpdate{}
		err := parseFields(sub, func(fnum protowire.Number, v uint64, raw []byte) error {
			switch fnum {
			case 1:
				return parseEvent(raw, &m.Event)
			case 2:
				for len(raw) > 0 {
					g, n := protowire.ConsumeVarint(raw)
					if n < 0 {
						return protowire.ParseError(n)
					}
					m.PoisonedGenerations = append(m.PoisonedGenerations, types.Generation(g))
					raw = raw[n:]
				}
			}
			return nil
		})
		env.EventUpdate = m
		return err

	case fieldBarrierAdjust:
		m := &BarrierAdjust{}
		err := parseFields(sub, func(fnum protowire.Number, v uint64, raw []byte) error {
			switch fnum {
			case 1:
				return parseBarrier(raw, &m.Barrier)
			case 2:
				m.Delta = int32(protowire.DecodeZigZag(v))
			case 3:
				return parseEvent(raw, &m.WaitOn)
			case 4:
				m.ReduceValue = append([]byte(nil), raw...)
			}
			return nil
		})
		env.BarrierAdjust = m
		return err

	case fieldBarrierSubscribe:
		m := &BarrierSubscribe{}
		err := parseFields(sub, func(fnum protowire.Number, v uint64, raw []byte) error {
			switch fnum {
			case 1:
				m.BarrierID = types.ID(v)
			case 2:
				m.SubscribeGen = types.Generation(v)
			}
			return nil
		})
		env.BarrierSubscribe = m
		return err

	case fieldBarrierTrigger:
		m := &BarrierTrigger{}
		err := parseFields(sub, func(fnum protowire.Number, v uint64, raw []byte) error {
			switch fnum {
			case 1:
				m.BarrierID = types.ID(v)
			case 2:
				m.TriggerGen = types.Generation(v)
			case 3:
				m.PreviousGen = types.Generation(v)
			case 4:
				m.FirstGeneration = types.Generation(v)
			case 5:
				m.RedopID = types.ReductionOpID(v)
			case 6:
				m.Values = append([]byte(nil), raw...)
			}
			return nil
		})
		env.BarrierTrigger = m
		return err
	}

	// unknown body field: ignore
	return nil
}

// parseFields walks a submessage, handing each field to fn. Varint fields
// arrive in v; length-delimited fields arrive in raw.
func parseFields(data []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func parseEvent(data []byte, out *types.Event) error {
	return parseFields(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldHandleID:
			out.ID = types.ID(v)
		case fieldHandleGen:
			out.Gen = types.Generation(v)
		}
		return nil
	})
}

func parseBarrier(data []byte, out *types.Barrier) error {
	return parseFields(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldHandleID:
			out.ID = types.ID(v)
		case fieldHandleGen:
			out.Gen = types.Generation(v)
		case fieldHandleTimestamp:
			out.Timestamp = types.Timestamp(v)
		}
		return nil
	})
}
