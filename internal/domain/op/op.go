// Package op defines the mutation records appended to the replicated log.
//
// An Operation is a tagged union: Kind selects the meaning and only the
// fields relevant to that kind are expected to be present. Presence is
// explicit so a missing field can be told apart from a zero value; the
// applier uses that to skip malformed records instead of guessing.
package op

import (
	"fmt"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Kind is the command id of an operation.
type Kind uint64

const (
	KindAddWriter     Kind = 0
	KindRemoveWriter  Kind = 1
	KindAddService    Kind = 2
	KindDeleteService Kind = 3
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindAddWriter:
		return "add-writer"
	case KindRemoveWriter:
		return "remove-writer"
	case KindAddService:
		return "add-service"
	case KindDeleteService:
		return "delete-service"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(k))
	}
}

// Known reports whether k is part of the taxonomy.
func (k Kind) Known() bool {
	return k <= KindDeleteService
}

// Operation is a single log record. Optional fields are pointers; nil means
// the field was absent on the wire.
type Operation struct {
	Kind        Kind
	WriterKey   *id.Key
	ServiceKey  *id.Key
	ServiceName *string
}

// AddWriter admits writerKey as a log writer.
func AddWriter(writerKey id.Key) Operation {
	return Operation{Kind: KindAddWriter, WriterKey: &writerKey}
}

// RemoveWriter revokes writerKey.
func RemoveWriter(writerKey id.Key) Operation {
	return Operation{Kind: KindRemoveWriter, WriterKey: &writerKey}
}

// AddService publishes serviceKey under serviceName.
func AddService(serviceKey id.Key, serviceName string) Operation {
	return Operation{Kind: KindAddService, ServiceKey: &serviceKey, ServiceName: &serviceName}
}

// DeleteService withdraws serviceKey.
func DeleteService(serviceKey id.Key) Operation {
	return Operation{Kind: KindDeleteService, ServiceKey: &serviceKey}
}

func (o Operation) String() string {
	s := o.Kind.String()
	if o.WriterKey != nil {
		s += " writer=" + o.WriterKey.Short()
	}
	if o.ServiceKey != nil {
		s += " service=" + o.ServiceKey.Short()
	}
	if o.ServiceName != nil {
		s += fmt.Sprintf(" name=%q", *o.ServiceName)
	}
	return s
}
