package rebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Codec is the Strategy for encoding/decoding message bodies on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "application/json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// Serializer converts between logical and transport messages.
type Serializer interface {
	Serialize(ctx context.Context, msg *LogicalMessage) (*TransportMessage, error)
	Deserialize(ctx context.Context, msg *TransportMessage) (*LogicalMessage, error)
}

// typeSeparator joins the type names of a bundle in HeaderMessageType.
const typeSeparator = ";"

// CodecSerializer encodes bodies with a Codec and names types through a TypeRegistry.
// A single message is encoded as-is; a bundle is encoded as a list of encoded parts.
type CodecSerializer struct {
	codec Codec
	types *TypeRegistry
}

var _ Serializer = (*CodecSerializer)(nil)

func NewCodecSerializer(codec Codec, types *TypeRegistry) *CodecSerializer {
	if codec == nil {
		codec = JSONCodec{}
	}
	if types == nil {
		types = NewTypeRegistry()
	}
	return &CodecSerializer{codec: codec, types: types}
}

func (s *CodecSerializer) Serialize(_ context.Context, msg *LogicalMessage) (*TransportMessage, error) {
	if msg == nil || len(msg.Messages) == 0 {
		return nil, ErrInvalidMessage
	}
	names := make([]string, len(msg.Messages))
	for i, m := range msg.Messages {
		if m == nil {
			return nil, ErrInvalidMessage
		}
		names[i] = s.types.NameOf(m)
	}

	var (
		body []byte
		err  error
	)
	if len(msg.Messages) == 1 {
		body, err = s.codec.Marshal(msg.Messages[0])
	} else {
		parts := make([][]byte, len(msg.Messages))
		for i, m := range msg.Messages {
			if parts[i], err = s.codec.Marshal(m); err != nil {
				break
			}
		}
		if err == nil {
			body, err = s.codec.Marshal(parts)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", strings.Join(names, typeSeparator), err)
	}

	headers := msg.Headers.Clone()
	headers[HeaderMessageType] = strings.Join(names, typeSeparator)
	headers[HeaderContentType] = s.codec.Name()
	return &TransportMessage{Headers: headers, Body: body}, nil
}

func (s *CodecSerializer) Deserialize(_ context.Context, msg *TransportMessage) (*LogicalMessage, error) {
	typeHeader, err := msg.Headers.Require(HeaderMessageType)
	if err != nil {
		return nil, err
	}
	names := strings.Split(typeHeader, typeSeparator)

	parts := [][]byte{msg.Body}
	if len(names) > 1 {
		parts = nil
		if err := s.codec.Unmarshal(msg.Body, &parts); err != nil {
			return nil, fmt.Errorf("deserialize bundle: %w", err)
		}
		if len(parts) != len(names) {
			return nil, fmt.Errorf("deserialize bundle: %d parts for %d types", len(parts), len(names))
		}
	}

	out := make([]any, len(names))
	for i, name := range names {
		t, ok := s.types.TypeOf(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, name)
		}
		v := reflect.New(t)
		if err := s.codec.Unmarshal(parts[i], v.Interface()); err != nil {
			return nil, fmt.Errorf("deserialize %s: %w", name, err)
		}
		out[i] = v.Elem().Interface()
	}
	return &LogicalMessage{Headers: msg.Headers.Clone(), Messages: out}, nil
}
