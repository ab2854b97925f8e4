package protoutil

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoEqualError describes both messages in text format when they differ.
func ProtoEqualError(a, b proto.Message) error {
	if !proto.Equal(a, b) {
		return fmt.Errorf("{%s} != {%s}", prototext.Format(a), prototext.Format(b))
	}

	return nil
}

// StructEqualError names the first field, in key order, where two structs
// differ.
func StructEqualError(a, b *structpb.Struct) error {
	keys := make(map[string]struct{})
	for k := range a.GetFields() {
		keys[k] = struct{}{}
	}
	for k := range b.GetFields() {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		av, aok := a.GetFields()[k]
		bv, bok := b.GetFields()[k]
		switch {
		case !aok:
			return fmt.Errorf("field %s: missing != %s", k, prototext.Format(bv))
		case !bok:
			return fmt.Errorf("field %s: %s != missing", k, prototext.Format(av))
		}
		if err := ProtoEqualError(av, bv); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}

	return nil
}
