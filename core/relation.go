// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the relationship field constructors: to-one
// references, to-many relationship lists, delete-propagation actions
// and the backreference option capture consumed by Registry.Link.
package core

import (
	"fmt"
	"strings"
)

// DeleteAction is the propagation rule applied to dependent documents
// when a referenced document is deleted.
type DeleteAction int

const (
	// DeleteDoNothing leaves dependents untouched.
	DeleteDoNothing DeleteAction = iota
	// DeleteNullify sets the dependent's reference to nil.
	DeleteNullify
	// DeleteCascade deletes the dependent documents.
	DeleteCascade
	// DeleteDeny blocks deletion while dependents exist.
	DeleteDeny
	// DeletePull removes the reference from the dependent's list field.
	DeletePull
)

var deleteActionNames = map[DeleteAction]string{
	DeleteDoNothing: "DO_NOTHING",
	DeleteNullify:   "NULLIFY",
	DeleteCascade:   "CASCADE",
	DeleteDeny:      "RESTRICT",
	DeletePull:      "PULL",
}

func (a DeleteAction) String() string { return deleteActionNames[a] }

// ParseDeleteAction translates an ondelete rule name into a
// DeleteAction. Names are SQL-ish on purpose so definitions can be
// copied between engines: DO_NOTHING, NULLIFY, CASCADE, RESTRICT, PULL.
// Invalid names fail at declaration time, not at first use.
func ParseDeleteAction(name string) (DeleteAction, error) {
	if name == "" {
		return DeleteDoNothing, nil
	}
	upper := strings.ToUpper(name)
	for action, n := range deleteActionNames {
		if n == upper {
			return action, nil
		}
	}
	return DeleteDoNothing, fmt.Errorf(
		"invalid `ondelete` value %q, must be one of: DO_NOTHING, NULLIFY, CASCADE, RESTRICT, PULL", name)
}

// backrefPrefix marks construction options that describe the mirror
// field to synthesize on the related type.
const backrefPrefix = "backref_"

// Reference builds a to-one relationship field. Expects a "document"
// option naming the related type, an optional "ondelete" rule, and any
// number of backref_-prefixed options describing the mirror field.
func Reference(opts Options) (*Field, error) {
	own, backref := splitBackrefOptions(opts)
	f, err := NewField(KindReference, own)
	if err != nil {
		return nil, err
	}
	if err := applyRelationOptions(f, own); err != nil {
		return nil, err
	}
	f.backrefOptions = backref
	return f, nil
}

// RelationshipList builds a to-many relationship field: an ordered list
// of references to the related type. The backref mirror is to-one by
// default.
func RelationshipList(opts Options) (*Field, error) {
	own, backref := splitBackrefOptions(opts)
	f, err := NewField(KindRelationship, own)
	if err != nil {
		return nil, err
	}
	if err := applyRelationOptions(f, own); err != nil {
		return nil, err
	}
	f.ItemKind = KindReference
	f.backrefOptions = backref
	return f, nil
}

// Relationship is the front door for relationship declarations. The
// "uselist" option (default true) selects between a to-many
// relationship list and a to-one reference.
func Relationship(opts Options) (*Field, error) {
	useList := true
	if v, ok := opts["uselist"].(bool); ok {
		useList = v
	}
	own := make(Options, len(opts))
	for k, v := range opts {
		if k != "uselist" {
			own[k] = v
		}
	}
	if useList {
		return RelationshipList(own)
	}
	return Reference(own)
}

func applyRelationOptions(f *Field, opts Options) error {
	if v, ok := opts["document"].(string); ok {
		f.RelatedType = v
	}
	if f.RelatedType == "" {
		return fmt.Errorf("relationship field requires a `document` option naming the related type")
	}
	name, _ := opts["ondelete"].(string)
	action, err := ParseDeleteAction(name)
	if err != nil {
		return err
	}
	f.OnDelete = action
	return nil
}

// splitBackrefOptions separates backref_-prefixed options (prefix
// stripped) from the field's own options.
func splitBackrefOptions(opts Options) (own, backref Options) {
	own = make(Options, len(opts))
	backref = make(Options)
	for k, v := range opts {
		if strings.HasPrefix(k, backrefPrefix) {
			backref[strings.TrimPrefix(k, backrefPrefix)] = v
			continue
		}
		own[k] = v
	}
	return own, backref
}

// HasBackref reports whether the field captured backreference options
// at declaration time.
func (f *Field) HasBackref() bool { return len(f.backrefOptions) > 0 }
