// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
)

// RecordKind tells the registry how a record produces instances.
type RecordKind string

const (
	// KindClassToken is a self-constructing token: the token carries its own
	// constructor and dependency list.
	KindClassToken RecordKind = "class_token"
	// KindClass binds a token to the constructor of a concrete implementation.
	KindClass RecordKind = "class"
	// KindValue binds a token to a literal value.
	KindValue RecordKind = "value"
	// KindFactory binds a token to a factory evaluated lazily on first resolve.
	KindFactory RecordKind = "factory"
	// KindInjected binds a token to an instance constructed outside the container.
	KindInjected RecordKind = "injected"
)

// Resolver resolves dependency tokens during construction. Constructors
// receive a Resolver bound to the resolution that triggered them so that
// cycle detection and lifetime ceilings carry through nested resolves.
type Resolver interface {
	Resolve(token Token) (any, error)
}

// Constructor produces the instance for a class or factory record.
type Constructor func(ctx context.Context, r Resolver) (any, error)

// Record is one binding in a registry.
type Record struct {
	Kind     RecordKind
	Token    Token
	Lifetime Lifetime

	// DependsOn declares the tokens the constructor resolves. Cycle
	// detection at registration time runs over these lists.
	DependsOn []Token

	// Value holds the instance for KindValue and KindInjected records.
	Value any

	// Construct builds the instance for class and factory records.
	Construct Constructor

	// When gates the record. An inactive record is skipped during lookup
	// and resolution falls through to parent registries.
	When func(ctx context.Context) bool

	// HotReload marks the record as registrable after the registry froze.
	HotReload bool
}

// NewClassToken declares a self-constructing token named name.
func NewClassToken(name string, lifetime Lifetime, construct Constructor, deps ...Token) Record {
	return Record{
		Kind:      KindClassToken,
		Token:     NewToken(name),
		Lifetime:  lifetime,
		Construct: construct,
		DependsOn: deps,
	}
}

// NewClass binds token to a constructor for a concrete implementation.
func NewClass(token Token, lifetime Lifetime, construct Constructor, deps ...Token) Record {
	return Record{
		Kind:      KindClass,
		Token:     token,
		Lifetime:  lifetime,
		Construct: construct,
		DependsOn: deps,
	}
}

// NewValue binds token to a literal value shared process-wide.
func NewValue(token Token, value any) Record {
	return Record{Kind: KindValue, Token: token, Lifetime: LifetimeGlobal, Value: value}
}

// NewInjected binds token to an instance constructed outside the container.
func NewInjected(token Token, instance any) Record {
	return Record{Kind: KindInjected, Token: token, Lifetime: LifetimeGlobal, Value: instance}
}

// NewFactory binds token to a factory evaluated lazily on first resolve.
func NewFactory(token Token, lifetime Lifetime, construct Constructor, deps ...Token) Record {
	return Record{
		Kind:      KindFactory,
		Token:     token,
		Lifetime:  lifetime,
		Construct: construct,
		DependsOn: deps,
	}
}

func validateRecord(rec Record) error {
	if rec.Token.IsZero() {
		return fmt.Errorf("record has no token")
	}
	switch rec.Kind {
	case KindValue, KindInjected:
		return nil
	case KindClassToken, KindClass, KindFactory:
		if rec.Construct == nil {
			return fmt.Errorf("record %q (%s) has no constructor", rec.Token, rec.Kind)
		}
		return nil
	default:
		return fmt.Errorf("record %q has unknown kind %q", rec.Token, rec.Kind)
	}
}
