package rebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// DestinationRouter resolves the owning endpoint of a message type.
type DestinationRouter interface {
	GetDestinationAddress(ctx context.Context, messageType string) (string, error)
}

// SubscriptionStore records which endpoints subscribe to which message types.
type SubscriptionStore interface {
	GetSubscriberAddresses(ctx context.Context, messageType string) ([]string, error)
	AddSubscriber(ctx context.Context, messageType, address string) error
	RemoveSubscriber(ctx context.Context, messageType, address string) error
}

// DefaultTypeName is the wire name used for types without an explicit name.
func DefaultTypeName(t reflect.Type) string {
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// TypeRegistry maps message type names to Go types and back.
// Unknown types are registered under DefaultTypeName on first use.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	_ = r.Register(reflect.TypeFor[SubscriptionRequest](), subscriptionRequestType)
	return r
}

// RegisterType registers T under its default name.
func RegisterType[T any](r *TypeRegistry) error {
	t := reflect.TypeFor[T]()
	return r.Register(t, DefaultTypeName(t))
}

// RegisterTypeAs registers T under name.
func RegisterTypeAs[T any](r *TypeRegistry, name string) error {
	return r.Register(reflect.TypeFor[T](), name)
}

// Register maps name to t. Re-registering the same pair is a no-op.
func (r *TypeRegistry) Register(t reflect.Type, name string) error {
	if name == "" {
		return fmt.Errorf("rebus: empty type name for %s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("rebus: type name %q already registered for %s", name, existing)
	}
	if existing, ok := r.byType[t]; ok && existing != name {
		return fmt.Errorf("rebus: type %s already registered as %q", t, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// NameOfType returns the registered name of t, registering the default name if needed.
func (r *TypeRegistry) NameOfType(t reflect.Type) string {
	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return name
	}
	name = DefaultTypeName(t)
	_ = r.Register(t, name)
	return name
}

// NameOf returns the registered name of v's dynamic type.
func (r *TypeRegistry) NameOf(v any) string {
	return r.NameOfType(reflect.TypeOf(v))
}

// TypeOf resolves a registered name.
func (r *TypeRegistry) TypeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// TypeRouter is a DestinationRouter backed by an explicit type-to-address map.
type TypeRouter struct {
	mu       sync.RWMutex
	types    *TypeRegistry
	routes   map[string]string
	fallback string
}

var _ DestinationRouter = (*TypeRouter)(nil)

// NewTypeRouter returns a router that names types through types (a fresh
// registry when nil).
func NewTypeRouter(types *TypeRegistry) *TypeRouter {
	if types == nil {
		types = NewTypeRegistry()
	}
	return &TypeRouter{types: types, routes: make(map[string]string)}
}

// Map routes messageType to address.
func (r *TypeRouter) Map(messageType, address string) *TypeRouter {
	r.mu.Lock()
	r.routes[messageType] = address
	r.mu.Unlock()
	return r
}

// MapType routes T to address.
func MapType[T any](r *TypeRouter, address string) *TypeRouter {
	return r.Map(r.types.NameOfType(reflect.TypeFor[T]()), address)
}

// Fallback sets the address used for unmapped types.
func (r *TypeRouter) Fallback(address string) *TypeRouter {
	r.mu.Lock()
	r.fallback = address
	r.mu.Unlock()
	return r
}

func (r *TypeRouter) GetDestinationAddress(_ context.Context, messageType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.routes[messageType]; ok {
		return addr, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoDestination, messageType)
}

const subscriptionRequestType = "rebus.SubscriptionRequest"

// Subscription actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscriptionRequest is the control message a subscriber sends to the
// publisher of Topic. The subscriber's address travels in HeaderReturnAddress.
type SubscriptionRequest struct {
	Topic  string `json:"topic"`
	Action string `json:"action"`
}
